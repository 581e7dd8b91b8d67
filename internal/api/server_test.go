package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shellvault/shellvault/internal/config"
	"github.com/shellvault/shellvault/internal/query"
	"github.com/shellvault/shellvault/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *storage.Vault) {
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

	vault := storage.NewVault(db)
	server := httptest.NewServer(NewRouter(query.NewService(vault, nil)))
	t.Cleanup(server.Close)

	return server, vault
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func seedCommand(t *testing.T, vault *storage.Vault, command string, exitCode int, ts time.Time) {
	t.Helper()
	rec := storage.NewCommandRecord("api-session", command, exitCode, "/srv", ts)
	require.NoError(t, vault.InsertCommand(rec))
}

func TestRecentCommandsEndpoint(t *testing.T) {
	server, vault := newTestServer(t)

	now := time.Now()
	seedCommand(t, vault, "git status", 0, now)
	seedCommand(t, vault, "make test", 1, now.Add(time.Second))

	var body struct {
		Commands []query.CommandView `json:"commands"`
	}
	status := getJSON(t, server.URL+"/api/commands/recent?limit=10", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Commands, 2)
	assert.Equal(t, "make test", body.Commands[0].Command)
	assert.Equal(t, 1, body.Commands[0].ExitCode)
}

func TestSearchEndpoint(t *testing.T) {
	server, vault := newTestServer(t)
	seedCommand(t, vault, "docker compose up", 0, time.Now())

	var body struct {
		Matches []query.SearchMatch `json:"matches"`
	}
	status := getJSON(t, server.URL+"/api/commands/search?q=docker", &body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body.Matches, 1)
	assert.Equal(t, "docker compose up", body.Matches[0].Command)
}

func TestSearchEndpointRequiresQuery(t *testing.T) {
	server, _ := newTestServer(t)

	status := getJSON(t, server.URL+"/api/commands/search", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSearchEndpointRejectsBadRange(t *testing.T) {
	server, _ := newTestServer(t)

	status := getJSON(t, server.URL+"/api/commands/search?q=x&from=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDailyStatsEndpoint(t *testing.T) {
	server, vault := newTestServer(t)

	ts := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	require.NoError(t, vault.UpsertDailyStat(ts, true, "/srv"))

	var stat storage.DailyStat
	status := getJSON(t, server.URL+"/api/stats/daily?date=2026-08-30", &stat)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, stat.CommandCount)
	assert.Equal(t, 1, stat.ErrorCount)
}

func TestDailyStatsEndpointRejectsBadDate(t *testing.T) {
	server, _ := newTestServer(t)

	status := getJSON(t, server.URL+"/api/stats/daily?date=30-08-2026", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDailyStatsEndpointZeroForUnknownDate(t *testing.T) {
	server, _ := newTestServer(t)

	var stat storage.DailyStat
	status := getJSON(t, server.URL+"/api/stats/daily?date=1999-01-01", &stat)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1999-01-01", stat.Date)
	assert.Zero(t, stat.CommandCount)
}

func TestFrequencyEndpoints(t *testing.T) {
	server, vault := newTestServer(t)

	now := time.Now()
	seedCommand(t, vault, "git status", 0, now)
	seedCommand(t, vault, "git status", 0, now.Add(time.Second))
	seedCommand(t, vault, "make test", 2, now.Add(2*time.Second))

	var freq struct {
		Commands []storage.CommandCount `json:"commands"`
	}
	status := getJSON(t, server.URL+"/api/stats/frequency?days=7", &freq)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, freq.Commands, 2)
	assert.Equal(t, "git status", freq.Commands[0].Command)
	assert.Equal(t, 2, freq.Commands[0].Count)

	var errs struct {
		Commands []storage.CommandCount `json:"commands"`
	}
	status = getJSON(t, server.URL+"/api/stats/errors?days=7", &errs)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, errs.Commands, 1)
	assert.Equal(t, "make test", errs.Commands[0].Command)
}
