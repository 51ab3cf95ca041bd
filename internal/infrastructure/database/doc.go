// Package database provides SQLite database connectivity for the NBE bridge.
//
// The database holds bookkeeping, not register history: the audit trail of
// write commands sent to the controller and the identity of every controller
// the bridge has talked to. Register telemetry goes to InfluxDB.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations (embedded from the migrations package)
//   - Connection pooling and lifecycle management
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive-only: new columns must be NULLABLE or have DEFAULT
// values, and each migration file has both .up.sql and .down.sql.
package database
