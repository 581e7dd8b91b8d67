package query

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellvault/shellvault/internal/config"
	"github.com/shellvault/shellvault/internal/logger"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/crypto"
)

func openTestVault(t *testing.T) *storage.Vault {
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

	return storage.NewVault(db)
}

func newTestCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	cipher, err := crypto.NewCipher(key)
	require.NoError(t, err)
	return cipher
}

func insertClear(t *testing.T, vault *storage.Vault, command, output string, ts time.Time) {
	t.Helper()
	rec := storage.NewCommandRecord("query-session", command, 0, "/home/tester", ts)
	rec.Output = output
	require.NoError(t, vault.InsertCommand(rec))
}

func insertEncrypted(t *testing.T, vault *storage.Vault, cipher *crypto.Cipher, command, output string, ts time.Time) {
	t.Helper()
	encrypted, err := cipher.Encrypt([]byte(output))
	require.NoError(t, err)

	rec := storage.NewCommandRecord("query-session", command, 0, "/home/tester", ts)
	rec.Output = storage.RedactionMarker
	rec.EncryptedOutput = encrypted
	require.NoError(t, vault.InsertCommand(rec))
}

func TestRecentCommandsDecryptsForDisplay(t *testing.T) {
	vault := openTestVault(t)
	cipher := newTestCipher(t)
	svc := NewService(vault, cipher)

	now := time.Now()
	insertClear(t, vault, "echo hi", "hi", now)
	insertEncrypted(t, vault, cipher, "cat .env", "API_KEY=xyz", now.Add(time.Second))

	views, err := svc.RecentCommands(10)
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, "cat .env", views[0].Command)
	assert.Equal(t, "API_KEY=xyz", views[0].Output)
	assert.Equal(t, "hi", views[1].Output)

	for _, v := range views {
		assert.Len(t, v.ID, 8)
	}
}

func TestRecentCommandsDecryptionFailure(t *testing.T) {
	vault := openTestVault(t)
	svc := NewService(vault, newTestCipher(t))

	// Payload sealed under a different key
	foreign := newTestCipher(t)
	insertEncrypted(t, vault, foreign, "cat .env", "API_KEY=xyz", time.Now())

	views, err := svc.RecentCommands(10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, storage.DecryptionErrorMarker, views[0].Output)
}

func TestRecentCommandsNilCipher(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "agent.log")
	require.NoError(t, logger.Init(&logger.Config{Level: "warn", Output: logPath}))
	t.Cleanup(func() { _ = logger.Init(logger.DefaultConfig()) })

	vault := openTestVault(t)
	cipher := newTestCipher(t)
	insertEncrypted(t, vault, cipher, "cat .env", "API_KEY=xyz", time.Now())

	views, err := NewService(vault, nil).RecentCommands(10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, storage.DecryptionErrorMarker, views[0].Output)

	// The missing key is surfaced, not silently rendered as a failure
	logged, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(logged), "no encryption key is loaded")
}

func TestRecentCommandsTruncatesOutput(t *testing.T) {
	vault := openTestVault(t)
	svc := NewService(vault, nil)

	long := strings.Repeat("x", storage.MaxOutputLength+100)
	insertClear(t, vault, "cat big.log", long, time.Now())

	views, err := svc.RecentCommands(1)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Len(t, views[0].Output, storage.MaxOutputLength)
}

func TestShortIDStability(t *testing.T) {
	a := shortID(1700000000000, "git status")
	b := shortID(1700000000000, "git status")
	c := shortID(1700000000001, "git status")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 8)
}

func TestSearchCommandsOmitsOutput(t *testing.T) {
	vault := openTestVault(t)
	svc := NewService(vault, nil)

	insertClear(t, vault, "grep token src/main.go", "match line", time.Now())

	matches, err := svc.SearchCommands("grep", nil, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "grep token src/main.go", matches[0].Command)
	assert.Equal(t, "/home/tester", matches[0].Directory)
}

func TestExportData(t *testing.T) {
	vault := openTestVault(t)
	cipher := newTestCipher(t)
	svc := NewService(vault, cipher)

	day := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	insertClear(t, vault, "make build", "ok", day)
	insertEncrypted(t, vault, cipher, "cat .env", "SECRET=1", day.Add(time.Minute))
	insertClear(t, vault, "outside window", "ok", day.AddDate(0, 0, -10))
	require.NoError(t, vault.UpsertDailyStat(day, false, "/home/tester"))

	dest := filepath.Join(t.TempDir(), "export", "activity.json")
	count, err := svc.ExportData(day.Add(-time.Hour), day.Add(time.Hour), dest)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	raw, err := os.ReadFile(dest)
	require.NoError(t, err)

	var doc ExportDocument
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Commands, 2)
	require.Len(t, doc.DailyStats, 1)
	assert.Equal(t, "2026-08-30", doc.DailyStats[0].Date)

	// Encrypted payloads stay sealed in the export
	assert.Equal(t, storage.RedactionMarker, doc.Commands[1].Output)
	assert.NotEmpty(t, doc.Commands[1].EncryptedOutput)
	assert.NotContains(t, string(raw), "SECRET=1")
}

func TestDailyStatsZeroValue(t *testing.T) {
	vault := openTestVault(t)
	svc := NewService(vault, nil)

	stat, err := svc.DailyStats("1999-01-01")
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, "1999-01-01", stat.Date)
	assert.Zero(t, stat.CommandCount)
}

func TestDailyStatsDefaultsToToday(t *testing.T) {
	vault := openTestVault(t)
	svc := NewService(vault, nil)

	now := time.Now()
	require.NoError(t, vault.UpsertDailyStat(now, false, "/home/tester"))

	stat, err := svc.DailyStats("")
	require.NoError(t, err)
	assert.Equal(t, now.Format(storage.DateLayout), stat.Date)
	assert.Equal(t, 1, stat.CommandCount)
}

func TestCommandFrequencyWindow(t *testing.T) {
	vault := openTestVault(t)
	svc := NewService(vault, nil)

	now := time.Now()
	insertClear(t, vault, "git status", "", now.AddDate(0, 0, -1))
	insertClear(t, vault, "git status", "", now.AddDate(0, 0, -2))
	insertClear(t, vault, "git status", "", now.AddDate(0, 0, -20))

	counts, err := svc.CommandFrequency(7)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, 2, counts[0].Count)
}
