package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shellvault/shellvault/internal/logger"
	"github.com/shellvault/shellvault/internal/recorder"
)

// Source yields new command observations. Poll must only return
// observations it has not returned before.
type Source interface {
	Poll(ctx context.Context) ([]recorder.Observation, error)

	// Path returns the watched file path, or "" for non-file sources
	Path() string
}

// LogSource tails a newline-delimited observation log by byte offset.
// Two line forms are accepted: a bare command string, or a JSON object
// with command, exit_code, output and working_directory fields. This is
// deliberately not a shell-history-format parser.
type LogSource struct {
	path   string
	offset int64
	logger *logger.Logger
}

// observationLine is the structured form of one log line
type observationLine struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	Output     string `json:"output"`
	WorkingDir string `json:"working_directory"`
}

// NewLogSource creates a source tailing the given file. A missing file
// is not an error; it simply yields no observations until it appears.
func NewLogSource(path string) *LogSource {
	return &LogSource{
		path:   path,
		logger: logger.GetLogger().Monitor(),
	}
}

// Path returns the tailed file path
func (s *LogSource) Path() string {
	return s.path
}

// Poll reads any lines appended since the previous call
func (s *LogSource) Poll(ctx context.Context) ([]recorder.Observation, error) {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open command log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat command log: %w", err)
	}

	// A shrunken file means it was truncated or replaced; start over
	if info.Size() < s.offset {
		s.logger.Debug().Str("path", s.path).Msg("Command log truncated, resetting offset")
		s.offset = 0
	}

	if info.Size() == s.offset {
		return nil, nil
	}

	if _, err := file.Seek(s.offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek command log: %w", err)
	}

	var observations []recorder.Observation
	reader := bufio.NewReader(file)
	consumed := s.offset

	for {
		if err := ctx.Err(); err != nil {
			break
		}

		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// Leave a partial trailing line for the next poll
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read command log: %w", err)
		}

		consumed += int64(len(line))

		if obs, ok := s.parseLine(strings.TrimSpace(line)); ok {
			observations = append(observations, obs)
		}
	}

	s.offset = consumed
	return observations, nil
}

// parseLine converts one log line into an observation
func (s *LogSource) parseLine(line string) (recorder.Observation, bool) {
	if line == "" {
		return recorder.Observation{}, false
	}

	obs := recorder.Observation{Timestamp: time.Now()}

	if strings.HasPrefix(line, "{") {
		var structured observationLine
		if err := json.Unmarshal([]byte(line), &structured); err != nil || structured.Command == "" {
			s.logger.Debug().Str("line", line).Msg("Skipping malformed observation line")
			return recorder.Observation{}, false
		}
		obs.Command = structured.Command
		obs.ExitCode = structured.ExitCode
		obs.Output = structured.Output
		obs.WorkingDir = structured.WorkingDir
		return obs, true
	}

	obs.Command = line
	return obs, true
}
