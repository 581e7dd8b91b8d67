package storage

import (
	"time"
)

// DateLayout is the canonical format for daily_stats date keys
const DateLayout = "2006-01-02"

// RedactionMarker replaces the visible output of commands whose real
// output lives only inside the encrypted payload.
const RedactionMarker = "[ENCRYPTED]"

// DecryptionErrorMarker is returned in place of output that could not be
// decrypted with the loaded key.
const DecryptionErrorMarker = "[DECRYPTION_ERROR]"

// Result caps for the read side
const (
	MaxSearchResults    = 100
	MaxFrequencyResults = 20
	MaxErrorResults     = 10
	MaxOutputLength     = 500
)

// CommandRecord represents one persisted command execution
type CommandRecord struct {
	ID              int64  `db:"id" json:"id"`
	SessionID       string `db:"session_id" json:"session_id"`
	Timestamp       int64  `db:"timestamp" json:"timestamp_ms"` // Unix milliseconds
	Command         string `db:"command" json:"command"`
	ExitCode        int    `db:"exit_code" json:"exit_code"`
	WorkingDir      string `db:"working_directory" json:"working_directory"`
	OutputHash      string `db:"output_hash" json:"output_hash"`
	Output          string `db:"output" json:"output"` // RedactionMarker when encrypted
	EncryptedOutput []byte `db:"encrypted_output" json:"encrypted_output,omitempty"`
}

// SessionRecord represents one tracked shell/process lifetime
type SessionRecord struct {
	SessionID     string `db:"session_id" json:"session_id"`
	StartTime     int64  `db:"start_time" json:"start_time_ms"`
	EndTime       *int64 `db:"end_time" json:"end_time_ms,omitempty"` // NULL until the session ends
	TerminalType  string `db:"terminal_type" json:"terminal_type"`
	WorkingDir    string `db:"working_directory" json:"working_directory"`
	UserName      string `db:"user_name" json:"user_name"`
	EncryptedData []byte `db:"encrypted_data" json:"encrypted_data,omitempty"`
}

// DailyStat represents per-calendar-date aggregate counters
type DailyStat struct {
	Date              string `db:"date" json:"date"`
	CommandCount      int    `db:"command_count" json:"command_count"`
	ErrorCount        int    `db:"error_count" json:"error_count"`
	ActiveMinutes     int    `db:"active_minutes" json:"active_minutes"`
	UniqueDirectories int    `db:"unique_directories" json:"unique_directories"`
}

// CommandCount is a (command, count) pair from frequency analysis
type CommandCount struct {
	Command string `json:"command"`
	Count   int    `json:"count"`
}

// DatabaseSchema contains all SQL statements for database initialization
type DatabaseSchema struct {
	// Current schema version
	Version int

	// DDL statements
	Tables  []string
	Indexes []string

	// Migration statements for future use
	Migrations map[int][]string
}

// GetCurrentSchema returns the current database schema
func GetCurrentSchema() *DatabaseSchema {
	return &DatabaseSchema{
		Version: 1,
		Tables: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT UNIQUE NOT NULL,
				start_time INTEGER NOT NULL,
				end_time INTEGER,
				terminal_type TEXT NOT NULL,
				working_directory TEXT NOT NULL,
				user_name TEXT NOT NULL,
				encrypted_data BLOB
			)`,

			`CREATE TABLE IF NOT EXISTS commands (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				timestamp INTEGER NOT NULL,
				command TEXT NOT NULL,
				exit_code INTEGER NOT NULL,
				working_directory TEXT NOT NULL,
				output_hash TEXT NOT NULL DEFAULT '',
				output TEXT NOT NULL DEFAULT '',
				encrypted_output BLOB
			)`,

			`CREATE TABLE IF NOT EXISTS daily_stats (
				date TEXT PRIMARY KEY,
				command_count INTEGER NOT NULL DEFAULT 0,
				error_count INTEGER NOT NULL DEFAULT 0,
				active_minutes INTEGER NOT NULL DEFAULT 0,
				unique_directories INTEGER NOT NULL DEFAULT 0,
				CHECK (command_count >= error_count)
			)`,

			`CREATE TABLE IF NOT EXISTS stat_directories (
				date TEXT NOT NULL,
				directory TEXT NOT NULL,
				PRIMARY KEY (date, directory)
			)`,

			`CREATE TABLE IF NOT EXISTS stat_minutes (
				date TEXT NOT NULL,
				minute TEXT NOT NULL,
				PRIMARY KEY (date, minute)
			)`,

			`CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at INTEGER NOT NULL,
				description TEXT
			)`,
		},

		Indexes: []string{
			`CREATE INDEX IF NOT EXISTS idx_commands_timestamp ON commands(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_commands_exit_code ON commands(exit_code)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_start_time ON sessions(start_time)`,
		},

		Migrations: map[int][]string{},
	}
}

// NewCommandRecord creates a command record with the given observation data
func NewCommandRecord(sessionID, command string, exitCode int, workingDir string, ts time.Time) *CommandRecord {
	return &CommandRecord{
		SessionID:  sessionID,
		Timestamp:  ts.UnixMilli(),
		Command:    command,
		ExitCode:   exitCode,
		WorkingDir: workingDir,
	}
}

// IsValid validates that the command record has required fields
func (cr *CommandRecord) IsValid() bool {
	return cr.Command != "" && cr.SessionID != "" && cr.Timestamp > 0
}

// IsRedacted reports whether the visible output has been replaced by the
// redaction marker.
func (cr *CommandRecord) IsRedacted() bool {
	return cr.Output == RedactionMarker && len(cr.EncryptedOutput) > 0
}

// Date returns the calendar date key of the record's timestamp
func (cr *CommandRecord) Date() string {
	return time.UnixMilli(cr.Timestamp).Format(DateLayout)
}

// IsClosed reports whether the session has ended
func (sr *SessionRecord) IsClosed() bool {
	return sr.EndTime != nil
}

// SchemaVersion represents the schema version tracking
type SchemaVersion struct {
	Version     int    `db:"version"`
	AppliedAt   int64  `db:"applied_at"`
	Description string `db:"description"`
}

// Schema version constants
const (
	CurrentSchemaVersion = 1
	MinSupportedVersion  = 1
)
