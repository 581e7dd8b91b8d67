package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shellvault/shellvault/internal/logger"
)

// Vault owns every persisted row: sessions, commands, daily aggregates
// and their detail sets. All reads and writes go through it.
type Vault struct {
	db     *Database
	logger *logger.Logger
}

// NewVault creates a vault store over an open database
func NewVault(db *Database) *Vault {
	return &Vault{
		db:     db,
		logger: logger.GetLogger().Vault(),
	}
}

// StartSession inserts a new session row
func (v *Vault) StartSession(s *SessionRecord) error {
	query := `INSERT INTO sessions (session_id, start_time, end_time, terminal_type, working_directory, user_name, encrypted_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := v.db.GetDB().Exec(query,
		s.SessionID, s.StartTime, s.EndTime, s.TerminalType, s.WorkingDir, s.UserName, s.EncryptedData)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	v.logger.Debug().Str("session_id", s.SessionID).Msg("Session started")
	return nil
}

// EndSession marks a session as closed. Closed sessions are immutable
// apart from this end_time write.
func (v *Vault) EndSession(sessionID string, endTime time.Time) error {
	query := `UPDATE sessions SET end_time = ? WHERE session_id = ? AND end_time IS NULL`

	res, err := v.db.GetDB().Exec(query, endTime.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	affected, _ := res.RowsAffected()
	v.logger.Debug().Str("session_id", sessionID).Int64("rows", affected).Msg("Session ended")
	return nil
}

// GetSession returns a session row, or nil when the session is unknown
func (v *Vault) GetSession(sessionID string) (*SessionRecord, error) {
	query := `SELECT session_id, start_time, end_time, terminal_type, working_directory, user_name, encrypted_data
		FROM sessions WHERE session_id = ?`

	var s SessionRecord
	err := v.db.GetDB().QueryRow(query, sessionID).Scan(
		&s.SessionID, &s.StartTime, &s.EndTime, &s.TerminalType, &s.WorkingDir, &s.UserName, &s.EncryptedData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	return &s, nil
}

// InsertCommand appends one command row. The insert is durable before
// this returns; no partial state is observable.
func (v *Vault) InsertCommand(rec *CommandRecord) error {
	if !rec.IsValid() {
		return fmt.Errorf("command record is not valid")
	}

	query := `INSERT INTO commands (session_id, timestamp, command, exit_code, working_directory, output_hash, output, encrypted_output)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := v.db.GetDB().Exec(query,
		rec.SessionID, rec.Timestamp, rec.Command, rec.ExitCode,
		rec.WorkingDir, rec.OutputHash, rec.Output, rec.EncryptedOutput)
	if err != nil {
		return fmt.Errorf("failed to insert command: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}

	return nil
}

// UpsertDailyStat atomically applies one command event to the daily
// aggregate row for the event's date. The read-modify-write runs inside
// a single transaction so concurrent upserts for the same date never
// under-count. Each call counts one real event; calling twice for the
// same event double-counts.
//
// active_minutes and unique_directories are derived from per-day detail
// sets (stat_minutes, stat_directories) rather than seeded constants.
func (v *Vault) UpsertDailyStat(ts time.Time, isError bool, workingDir string) error {
	date := ts.Format(DateLayout)
	minute := ts.Format("15:04")

	tx, err := v.db.BeginTx()
	if err != nil {
		return fmt.Errorf("failed to begin stats transaction: %w", err)
	}
	defer tx.Rollback()

	if workingDir != "" {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO stat_directories (date, directory) VALUES (?, ?)`, date, workingDir); err != nil {
			return fmt.Errorf("failed to track directory: %w", err)
		}
	}

	if _, err := tx.Exec(`INSERT OR IGNORE INTO stat_minutes (date, minute) VALUES (?, ?)`, date, minute); err != nil {
		return fmt.Errorf("failed to track active minute: %w", err)
	}

	var dirs, minutes int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM stat_directories WHERE date = ?`, date).Scan(&dirs); err != nil {
		return fmt.Errorf("failed to count directories: %w", err)
	}
	if err := tx.QueryRow(`SELECT COUNT(*) FROM stat_minutes WHERE date = ?`, date).Scan(&minutes); err != nil {
		return fmt.Errorf("failed to count active minutes: %w", err)
	}
	if dirs == 0 {
		dirs = 1
	}
	if minutes == 0 {
		minutes = 1
	}

	errDelta := 0
	if isError {
		errDelta = 1
	}

	var commandCount, errorCount int
	err = tx.QueryRow(`SELECT command_count, error_count FROM daily_stats WHERE date = ?`, date).
		Scan(&commandCount, &errorCount)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.Exec(`INSERT INTO daily_stats (date, command_count, error_count, active_minutes, unique_directories)
			VALUES (?, 1, ?, ?, ?)`, date, errDelta, minutes, dirs)
		if err != nil {
			return fmt.Errorf("failed to insert daily stat: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read daily stat: %w", err)
	default:
		_, err = tx.Exec(`UPDATE daily_stats
			SET command_count = ?, error_count = ?, active_minutes = ?, unique_directories = ?
			WHERE date = ?`, commandCount+1, errorCount+errDelta, minutes, dirs, date)
		if err != nil {
			return fmt.Errorf("failed to update daily stat: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit daily stat upsert: %w", err)
	}

	return nil
}

// GetDailyStat returns the aggregate row for a date, or nil when no
// command was recorded on that date.
func (v *Vault) GetDailyStat(date string) (*DailyStat, error) {
	query := `SELECT date, command_count, error_count, active_minutes, unique_directories
		FROM daily_stats WHERE date = ?`

	var ds DailyStat
	err := v.db.GetDB().QueryRow(query, date).Scan(
		&ds.Date, &ds.CommandCount, &ds.ErrorCount, &ds.ActiveMinutes, &ds.UniqueDirectories)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query daily stat: %w", err)
	}

	return &ds, nil
}

// RecentCommands returns the most recent commands ordered by timestamp
// descending.
func (v *Vault) RecentCommands(limit int) ([]*CommandRecord, error) {
	query := `SELECT id, session_id, timestamp, command, exit_code, working_directory, output_hash, output, encrypted_output
		FROM commands ORDER BY timestamp DESC LIMIT ?`

	rows, err := v.db.GetDB().Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// SearchCommands returns commands whose text contains the query as a
// substring, optionally bounded by a timestamp range, newest first,
// capped at MaxSearchResults.
func (v *Vault) SearchCommands(query string, from, to *time.Time) ([]*CommandRecord, error) {
	sqlQuery := `SELECT id, session_id, timestamp, command, exit_code, working_directory, output_hash, output, encrypted_output
		FROM commands WHERE command LIKE ?`
	args := []interface{}{"%" + query + "%"}

	if from != nil && to != nil {
		sqlQuery += ` AND timestamp BETWEEN ? AND ?`
		args = append(args, from.UnixMilli(), to.UnixMilli())
	}

	sqlQuery += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, MaxSearchResults)

	rows, err := v.db.GetDB().Query(sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search commands: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// CommandsInRange returns all commands within [start, end], oldest first
func (v *Vault) CommandsInRange(start, end time.Time) ([]*CommandRecord, error) {
	query := `SELECT id, session_id, timestamp, command, exit_code, working_directory, output_hash, output, encrypted_output
		FROM commands WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp`

	rows, err := v.db.GetDB().Query(query, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query commands in range: %w", err)
	}
	defer rows.Close()

	return scanCommands(rows)
}

// StatsInRange returns all daily stats with dates in [startDate, endDate]
func (v *Vault) StatsInRange(startDate, endDate string) ([]*DailyStat, error) {
	query := `SELECT date, command_count, error_count, active_minutes, unique_directories
		FROM daily_stats WHERE date BETWEEN ? AND ? ORDER BY date`

	rows, err := v.db.GetDB().Query(query, startDate, endDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats in range: %w", err)
	}
	defer rows.Close()

	var stats []*DailyStat
	for rows.Next() {
		var ds DailyStat
		if err := rows.Scan(&ds.Date, &ds.CommandCount, &ds.ErrorCount, &ds.ActiveMinutes, &ds.UniqueDirectories); err != nil {
			return nil, fmt.Errorf("failed to scan daily stat: %w", err)
		}
		stats = append(stats, &ds)
	}

	return stats, rows.Err()
}

// CommandFrequency groups commands since the given time by exact text,
// most frequent first.
func (v *Vault) CommandFrequency(since time.Time, limit int) ([]*CommandCount, error) {
	query := `SELECT command, COUNT(*) AS frequency FROM commands
		WHERE timestamp > ? GROUP BY command ORDER BY frequency DESC LIMIT ?`

	return v.queryCommandCounts(query, since.UnixMilli(), limit)
}

// ErrorFrequency groups failing commands since the given time by exact
// text, most frequent first.
func (v *Vault) ErrorFrequency(since time.Time, limit int) ([]*CommandCount, error) {
	query := `SELECT command, COUNT(*) AS frequency FROM commands
		WHERE timestamp > ? AND exit_code != 0 GROUP BY command ORDER BY frequency DESC LIMIT ?`

	return v.queryCommandCounts(query, since.UnixMilli(), limit)
}

// PurgeResult reports what a retention purge removed
type PurgeResult struct {
	CommandsDeleted int64
	StatsDeleted    int64
	SessionsDeleted int64
}

// PurgeBefore deletes every command strictly older than the cutoff and
// every daily aggregate (with its detail sets) strictly older than the
// cutoff date. Sessions are only touched when purgeSessions is set, and
// then only closed ones.
func (v *Vault) PurgeBefore(cutoff time.Time, purgeSessions bool) (*PurgeResult, error) {
	cutoffDate := cutoff.Format(DateLayout)
	result := &PurgeResult{}

	tx, err := v.db.BeginTx()
	if err != nil {
		return nil, fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM commands WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to purge commands: %w", err)
	}
	result.CommandsDeleted, _ = res.RowsAffected()

	res, err = tx.Exec(`DELETE FROM daily_stats WHERE date < ?`, cutoffDate)
	if err != nil {
		return nil, fmt.Errorf("failed to purge daily stats: %w", err)
	}
	result.StatsDeleted, _ = res.RowsAffected()

	if _, err := tx.Exec(`DELETE FROM stat_directories WHERE date < ?`, cutoffDate); err != nil {
		return nil, fmt.Errorf("failed to purge directory details: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM stat_minutes WHERE date < ?`, cutoffDate); err != nil {
		return nil, fmt.Errorf("failed to purge minute details: %w", err)
	}

	if purgeSessions {
		res, err = tx.Exec(`DELETE FROM sessions WHERE end_time IS NOT NULL AND end_time < ?`, cutoff.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("failed to purge sessions: %w", err)
		}
		result.SessionsDeleted, _ = res.RowsAffected()
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit purge: %w", err)
	}

	return result, nil
}

// CountCommands returns the total number of command rows
func (v *Vault) CountCommands() (int64, error) {
	var count int64
	if err := v.db.GetDB().QueryRow(`SELECT COUNT(*) FROM commands`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count commands: %w", err)
	}
	return count, nil
}

func (v *Vault) queryCommandCounts(query string, args ...interface{}) ([]*CommandCount, error) {
	rows, err := v.db.GetDB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query command counts: %w", err)
	}
	defer rows.Close()

	var counts []*CommandCount
	for rows.Next() {
		var cc CommandCount
		if err := rows.Scan(&cc.Command, &cc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan command count: %w", err)
		}
		counts = append(counts, &cc)
	}

	return counts, rows.Err()
}

func scanCommands(rows *sql.Rows) ([]*CommandRecord, error) {
	var records []*CommandRecord
	for rows.Next() {
		var rec CommandRecord
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.Timestamp, &rec.Command, &rec.ExitCode,
			&rec.WorkingDir, &rec.OutputHash, &rec.Output, &rec.EncryptedOutput,
		); err != nil {
			return nil, fmt.Errorf("failed to scan command record: %w", err)
		}
		records = append(records, &rec)
	}

	return records, rows.Err()
}
