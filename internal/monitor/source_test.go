package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestPollMissingFile(t *testing.T) {
	src := NewLogSource(filepath.Join(t.TempDir(), "command.log"))

	obs, err := src.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, obs)
}

func TestPollReadsOnlyNewLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "command.log")
	src := NewLogSource(path)
	ctx := context.Background()

	writeLog(t, path, "git status\ngit diff\n")

	obs, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "git status", obs[0].Command)
	assert.Equal(t, "git diff", obs[1].Command)

	// Nothing new, nothing returned
	obs, err = src.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, obs)

	appendLog(t, path, "make build\n")
	obs, err = src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "make build", obs[0].Command)
}

func TestPollParsesStructuredLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "command.log")
	src := NewLogSource(path)

	writeLog(t, path, `{"command":"curl -s https://example.com","exit_code":7,"output":"connection refused","working_directory":"/srv"}`+"\n")

	obs, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "curl -s https://example.com", obs[0].Command)
	assert.Equal(t, 7, obs[0].ExitCode)
	assert.Equal(t, "connection refused", obs[0].Output)
	assert.Equal(t, "/srv", obs[0].WorkingDir)
	assert.False(t, obs[0].Timestamp.IsZero())
}

func TestPollSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "command.log")
	src := NewLogSource(path)

	writeLog(t, path, "{not json\n\n{\"output\":\"no command field\"}\ngit log\n")

	obs, err := src.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "git log", obs[0].Command)
}

func TestPollDefersPartialTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "command.log")
	src := NewLogSource(path)
	ctx := context.Background()

	writeLog(t, path, "complete line\npartial")

	obs, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "complete line", obs[0].Command)

	appendLog(t, path, " now finished\n")
	obs, err = src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "partial now finished", obs[0].Command)
}

func TestPollResetsOnTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "command.log")
	src := NewLogSource(path)
	ctx := context.Background()

	writeLog(t, path, "one long command line here\n")
	obs, err := src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 1)

	// Shorter file means replaced or rotated
	writeLog(t, path, "fresh start\n")
	obs, err = src.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, obs, 1)
	assert.Equal(t, "fresh start", obs[0].Command)
}
