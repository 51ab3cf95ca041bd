// Package migrations embeds SQL migration files into the binary.
//
// Importing this package registers the bridge's schema (the commands audit
// table and the devices table) with the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/nbe-bridge/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.Migrations = files
}
