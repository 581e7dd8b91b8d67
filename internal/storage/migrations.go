package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shellvault/shellvault/internal/logger"
)

// Migrator handles database schema migrations
type Migrator struct {
	db     *sql.DB
	schema *DatabaseSchema
	logger *logger.Logger
}

// NewMigrator creates a new database migrator
func NewMigrator(db *sql.DB, schema *DatabaseSchema) *Migrator {
	return &Migrator{
		db:     db,
		schema: schema,
		logger: logger.GetLogger().Vault(),
	}
}

// GetCurrentVersion returns the current schema version from the database
func (m *Migrator) GetCurrentVersion() (int, error) {
	var tableExists int
	checkTableQuery := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`
	if err := m.db.QueryRow(checkTableQuery).Scan(&tableExists); err != nil {
		return 0, fmt.Errorf("failed to check if schema_version table exists: %w", err)
	}

	if tableExists == 0 {
		// Fresh database
		return 0, nil
	}

	var version int
	query := `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`
	if err := m.db.QueryRow(query).Scan(&version); err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get current schema version: %w", err)
	}

	return version, nil
}

// InitializeSchema creates the initial database schema
func (m *Migrator) InitializeSchema() error {
	m.logger.Info().Msg("Initializing vault schema")

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, table := range m.schema.Tables {
		if _, err := tx.Exec(table); err != nil {
			return fmt.Errorf("failed to create table %d: %w", i, err)
		}
	}

	for i, index := range m.schema.Indexes {
		if _, err := tx.Exec(index); err != nil {
			return fmt.Errorf("failed to create index %d: %w", i, err)
		}
	}

	if err := m.recordSchemaVersion(tx, m.schema.Version, "Initial schema creation"); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema initialization: %w", err)
	}

	m.logger.Info().Int("version", m.schema.Version).Msg("Vault schema initialized")
	return nil
}

// MigrateToLatest migrates the database to the latest schema version
func (m *Migrator) MigrateToLatest() error {
	currentVersion, err := m.GetCurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	targetVersion := m.schema.Version

	if currentVersion == 0 {
		return m.InitializeSchema()
	}

	if currentVersion == targetVersion {
		return nil
	}

	if currentVersion > targetVersion {
		return fmt.Errorf("vault schema version %d is newer than supported version %d", currentVersion, targetVersion)
	}

	for version := currentVersion + 1; version <= targetVersion; version++ {
		if err := m.applyMigration(version); err != nil {
			return fmt.Errorf("failed to apply migration to version %d: %w", version, err)
		}
	}

	return nil
}

// applyMigration applies a specific migration version
func (m *Migrator) applyMigration(version int) error {
	migrations, exists := m.schema.Migrations[version]
	if !exists {
		return fmt.Errorf("no migration found for version %d", version)
	}

	m.logger.Info().Int("version", version).Msg("Applying vault migration")

	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for i, statement := range migrations {
		if _, err := tx.Exec(statement); err != nil {
			return fmt.Errorf("failed to execute migration statement %d for version %d: %w", i, version, err)
		}
	}

	if err := m.recordSchemaVersion(tx, version, fmt.Sprintf("Migration to version %d", version)); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	return nil
}

// recordSchemaVersion inserts a schema version row within a transaction
func (m *Migrator) recordSchemaVersion(tx *sql.Tx, version int, description string) error {
	query := `INSERT OR REPLACE INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`
	_, err := tx.Exec(query, version, time.Now().UnixMilli(), description)
	return err
}

// ValidateSchema verifies that all expected tables exist
func (m *Migrator) ValidateSchema() error {
	required := []string{"sessions", "commands", "daily_stats", "stat_directories", "stat_minutes", "schema_version"}

	for _, table := range required {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := m.db.QueryRow(query, table).Scan(&count); err != nil {
			return fmt.Errorf("failed to check table %s: %w", table, err)
		}
		if count == 0 {
			return fmt.Errorf("required table %s is missing", table)
		}
	}

	version, err := m.GetCurrentVersion()
	if err != nil {
		return err
	}
	if version < MinSupportedVersion {
		return fmt.Errorf("vault schema version %d is below minimum supported version %d", version, MinSupportedVersion)
	}

	return nil
}

// CheckIntegrity runs the SQLite integrity check
func (m *Migrator) CheckIntegrity() error {
	var result string
	if err := m.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check reported: %s", result)
	}
	return nil
}
