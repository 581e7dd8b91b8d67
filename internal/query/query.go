package query

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shellvault/shellvault/internal/logger"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/crypto"
)

// Service is the read-only facade over the vault store. It opens no
// write path; decryption happens on demand and only for the caller's
// output field.
type Service struct {
	vault  *storage.Vault
	cipher *crypto.Cipher
	logger *logger.Logger
}

// NewService creates a query service. The cipher may be nil; encrypted
// payloads then surface as the decryption-error marker.
func NewService(vault *storage.Vault, cipher *crypto.Cipher) *Service {
	return &Service{
		vault:  vault,
		cipher: cipher,
		logger: logger.GetLogger().Query(),
	}
}

// CommandView is a display-oriented command with decrypted, truncated
// output and a derived short identifier. The identifier is a hash of
// (timestamp, command) truncated to 8 characters, a client-side
// reference only, not a storage key, and not guaranteed unique.
type CommandView struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	ExitCode  int       `json:"exit_code"`
	Directory string    `json:"directory"`
	Output    string    `json:"output"`
}

// SearchMatch is one search result row. Output is intentionally absent:
// search never decrypts.
type SearchMatch struct {
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	ExitCode  int       `json:"exit_code"`
	Directory string    `json:"directory"`
}

// ExportDocument is the structured export payload. Encrypted outputs
// are carried as-is; the export never decrypts.
type ExportDocument struct {
	ExportDate time.Time               `json:"export_date"`
	DateRange  ExportRange             `json:"date_range"`
	Commands   []*storage.CommandRecord `json:"commands"`
	DailyStats []*storage.DailyStat     `json:"daily_stats"`
}

// ExportRange is the requested export window
type ExportRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RecentCommands returns the most recent commands, newest first, with
// encrypted payloads decrypted for display. A payload that cannot be
// decrypted yields the fixed decryption-error marker, never an error.
func (s *Service) RecentCommands(limit int) ([]*CommandView, error) {
	records, err := s.vault.RecentCommands(limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent commands: %w", err)
	}

	views := make([]*CommandView, 0, len(records))
	for _, rec := range records {
		views = append(views, s.toView(rec))
	}

	return views, nil
}

// SearchCommands returns commands containing the query as a substring,
// optionally bounded to a timestamp range, newest first, capped at 100.
func (s *Service) SearchCommands(query string, from, to *time.Time) ([]*SearchMatch, error) {
	records, err := s.vault.SearchCommands(query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to search commands: %w", err)
	}

	matches := make([]*SearchMatch, 0, len(records))
	for _, rec := range records {
		matches = append(matches, &SearchMatch{
			Timestamp: time.UnixMilli(rec.Timestamp),
			Command:   rec.Command,
			ExitCode:  rec.ExitCode,
			Directory: rec.WorkingDir,
		})
	}

	return matches, nil
}

// ExportData writes all commands and daily stats within [start, end] to
// a JSON document at destination and returns the number of exported
// commands. Encrypted payloads are exported raw.
func (s *Service) ExportData(start, end time.Time, destination string) (int, error) {
	commands, err := s.vault.CommandsInRange(start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to collect commands for export: %w", err)
	}

	dailyStats, err := s.vault.StatsInRange(start.Format(storage.DateLayout), end.Format(storage.DateLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to collect daily stats for export: %w", err)
	}

	doc := &ExportDocument{
		ExportDate: time.Now(),
		DateRange:  ExportRange{Start: start, End: end},
		Commands:   commands,
		DailyStats: dailyStats,
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	file, err := os.Create(destination)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return 0, fmt.Errorf("failed to write export document: %w", err)
	}

	s.logger.Audit("export", map[string]interface{}{
		"destination": destination,
		"commands":    len(commands),
		"daily_stats": len(dailyStats),
	})

	return len(commands), nil
}

// CommandFrequency groups commands from the last N days by exact text,
// most frequent first, capped at 20.
func (s *Service) CommandFrequency(days int) ([]*storage.CommandCount, error) {
	since := time.Now().AddDate(0, 0, -days)
	return s.vault.CommandFrequency(since, storage.MaxFrequencyResults)
}

// ErrorAnalysis groups failing commands from the last N days by exact
// text, most frequent first, capped at 10.
func (s *Service) ErrorAnalysis(days int) ([]*storage.CommandCount, error) {
	since := time.Now().AddDate(0, 0, -days)
	return s.vault.ErrorFrequency(since, storage.MaxErrorResults)
}

// DailyStats returns the aggregate row for the given date (today when
// empty). A date with no recorded commands yields a zero-valued struct;
// callers cannot distinguish "no data" from "all zero".
func (s *Service) DailyStats(date string) (*storage.DailyStat, error) {
	if date == "" {
		date = time.Now().Format(storage.DateLayout)
	}

	stat, err := s.vault.GetDailyStat(date)
	if err != nil {
		return nil, fmt.Errorf("failed to load daily stats: %w", err)
	}

	if stat == nil {
		return &storage.DailyStat{Date: date}, nil
	}

	return stat, nil
}

// toView converts a stored record into its display form
func (s *Service) toView(rec *storage.CommandRecord) *CommandView {
	output := rec.Output

	if len(rec.EncryptedOutput) > 0 {
		output = storage.DecryptionErrorMarker
		if s.cipher == nil {
			s.logger.Warn().Int64("record_id", rec.ID).Msg("Encrypted output present but no encryption key is loaded")
		} else if plaintext, err := s.cipher.Decrypt(rec.EncryptedOutput); err == nil {
			output = string(plaintext)
		} else {
			s.logger.Debug().Int64("record_id", rec.ID).Msg("Stored payload failed decryption")
		}
	}

	return &CommandView{
		ID:        shortID(rec.Timestamp, rec.Command),
		Timestamp: time.UnixMilli(rec.Timestamp),
		Command:   rec.Command,
		ExitCode:  rec.ExitCode,
		Directory: rec.WorkingDir,
		Output:    truncateOutput(output, storage.MaxOutputLength),
	}
}

// shortID derives the display identifier from timestamp and command text
func shortID(timestamp int64, command string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d%s", timestamp, command)))
	return hex.EncodeToString(sum[:])[:8]
}

func truncateOutput(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
