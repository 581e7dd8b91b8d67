package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellvault/shellvault/internal/config"
	"github.com/shellvault/shellvault/internal/storage"
)

func openTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.OverrideDataDir(t.TempDir())

	db, err := storage.NewDatabase(cfg, &storage.DatabaseOptions{
		Config:          &cfg.Database,
		CreateIfMissing: true,
		MigrateOnOpen:   true,
		ValidateSchema:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewAggregator(storage.NewVault(db))
}

func TestUpsertAccumulates(t *testing.T) {
	agg := openTestAggregator(t)

	base := time.Date(2026, 8, 30, 10, 15, 0, 0, time.UTC)

	require.NoError(t, agg.Upsert(base, false, "/home/tester"))
	require.NoError(t, agg.Upsert(base.Add(30*time.Second), false, "/home/tester"))
	require.NoError(t, agg.Upsert(base.Add(5*time.Minute), true, "/home/tester/project"))

	stat, err := agg.ForDate("2026-08-30")
	require.NoError(t, err)
	require.NotNil(t, stat)

	assert.Equal(t, 3, stat.CommandCount)
	assert.Equal(t, 1, stat.ErrorCount)
	assert.Equal(t, 2, stat.ActiveMinutes)
	assert.Equal(t, 2, stat.UniqueDirectories)
}

func TestUpsertEmptyWorkingDir(t *testing.T) {
	agg := openTestAggregator(t)

	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	require.NoError(t, agg.Upsert(ts, false, ""))

	stat, err := agg.ForDate("2026-08-30")
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, 1, stat.CommandCount)
	assert.Equal(t, 1, stat.UniqueDirectories)
	assert.Equal(t, 1, stat.ActiveMinutes)
}

func TestForDateMissing(t *testing.T) {
	agg := openTestAggregator(t)

	stat, err := agg.ForDate("1999-01-01")
	require.NoError(t, err)
	assert.Nil(t, stat)
}
