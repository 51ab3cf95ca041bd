package audit_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/nbe-bridge/internal/audit"
	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe"
	"github.com/nerrad567/nbe-bridge/internal/bridges/nbe/nbetest"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/config"
	"github.com/nerrad567/nbe-bridge/internal/infrastructure/database"
	_ "github.com/nerrad567/nbe-bridge/migrations"
)

func openRepo(t *testing.T) *audit.SQLiteRepository {
	t.Helper()
	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return audit.NewSQLiteRepository(db.DB)
}

func TestRecordAndList(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

	cmds := []*audit.Command{
		{Serial: "123456", Path: "settings/boiler/temp", Value: "65", Source: "api", Outcome: audit.OutcomeAccepted, CreatedAt: base},
		{Serial: "123456", Path: "settings/misc/stop", Value: "1", Source: "mqtt", Outcome: audit.OutcomeUnconfirmed, Error: "nbe: protocol error", CreatedAt: base.Add(time.Second)},
		{Serial: "123456", Path: "settings/boiler/temp", Value: "70", Source: "mqtt", Outcome: audit.OutcomeFailed, Error: "nbe: timeout", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, c := range cmds {
		require.NoError(t, repo.Record(ctx, c))
		assert.NotEmpty(t, c.ID)
	}

	all, err := repo.List(ctx, audit.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Total)
	assert.Equal(t, 50, all.Limit)
	require.Len(t, all.Commands, 3)
	assert.Equal(t, "70", all.Commands[0].Value, "most recent first")
	assert.Equal(t, "nbe: timeout", all.Commands[0].Error)
	assert.True(t, all.Commands[2].CreatedAt.Equal(base))
	assert.Empty(t, all.Commands[2].Error)

	byPath, err := repo.List(ctx, audit.Filter{Path: "settings/boiler/temp"})
	require.NoError(t, err)
	assert.Equal(t, 2, byPath.Total)

	bySource, err := repo.List(ctx, audit.Filter{Source: "mqtt", Outcome: audit.OutcomeUnconfirmed})
	require.NoError(t, err)
	require.Equal(t, 1, bySource.Total)
	assert.Equal(t, "settings/misc/stop", bySource.Commands[0].Path)

	page, err := repo.List(ctx, audit.Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Commands, 1)
	assert.Equal(t, "1", page.Commands[0].Value)
}

func TestListEmptyAndClamped(t *testing.T) {
	repo := openRepo(t)

	res, err := repo.List(context.Background(), audit.Filter{Limit: 1000, Offset: -3})
	require.NoError(t, err)
	assert.NotNil(t, res.Commands)
	assert.Empty(t, res.Commands)
	assert.Equal(t, 200, res.Limit)
	assert.Equal(t, 0, res.Offset)
}

func TestRecordRejectsUnknownOutcome(t *testing.T) {
	repo := openRepo(t)

	err := repo.Record(context.Background(), &audit.Command{
		Serial: "123456", Path: "settings/boiler/temp", Value: "65", Source: "api", Outcome: "maybe",
	})
	assert.Error(t, err)
}

func TestTouchDevice(t *testing.T) {
	repo := openRepo(t)
	ctx := context.Background()
	first := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	later := first.Add(48 * time.Hour)

	_, err := repo.GetDevice(ctx, "123456")
	assert.True(t, errors.Is(err, audit.ErrNotFound))

	require.NoError(t, repo.TouchDevice(ctx, "123456", "192.168.1.50", first))
	require.NoError(t, repo.TouchDevice(ctx, "123456", "192.168.1.51", later))

	d, err := repo.GetDevice(ctx, "123456")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.51", d.Host)
	assert.True(t, d.FirstSeen.Equal(first))
	assert.True(t, d.LastSeen.Equal(later))
}

func TestOutcomeOf(t *testing.T) {
	device := nbetest.New(t)
	client, err := nbe.New(device.Config())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	assert.Equal(t, audit.OutcomeAccepted, audit.OutcomeOf(client.Set(ctx, "settings/boiler/temp", "65")))
	assert.Equal(t, audit.OutcomeRejected, audit.OutcomeOf(client.Set(ctx, "operating_data/boiler_temp", "65")))
	assert.Equal(t, audit.OutcomeRejected, audit.OutcomeOf(client.Set(ctx, "settings/boiler/temp", "6;5")))

	device.SetBrokenWriteAck(true)
	assert.Equal(t, audit.OutcomeUnconfirmed, audit.OutcomeOf(client.Set(ctx, "settings/boiler/temp", "66")))
	device.SetBrokenWriteAck(false)

	require.NoError(t, client.Close())
	assert.Equal(t, audit.OutcomeFailed, audit.OutcomeOf(client.Set(ctx, "settings/boiler/temp", "67")))
}
