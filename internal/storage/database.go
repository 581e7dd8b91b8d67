package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shellvault/shellvault/internal/config"
	"github.com/shellvault/shellvault/internal/logger"
)

// Database wraps sql.DB with vault-specific lifecycle management
type Database struct {
	db       *sql.DB
	config   *config.DatabaseConfig
	logger   *logger.Logger
	migrator *Migrator
	path     string
}

// DatabaseOptions contains options for database initialization
type DatabaseOptions struct {
	Config          *config.DatabaseConfig
	CreateIfMissing bool
	MigrateOnOpen   bool
	ValidateSchema  bool
}

// NewDatabase creates a new database instance with the given configuration
func NewDatabase(cfg *config.Config, opts *DatabaseOptions) (*Database, error) {
	if opts == nil {
		opts = &DatabaseOptions{
			Config:          &cfg.Database,
			CreateIfMissing: true,
			MigrateOnOpen:   true,
			ValidateSchema:  true,
		}
	}

	if opts.Config == nil {
		opts.Config = &cfg.Database
	}

	db := &Database{
		config: opts.Config,
		logger: logger.GetLogger().Vault(),
		path:   opts.Config.Path,
	}

	if err := db.initialize(opts); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize sets up the database connection and schema
func (db *Database) initialize(opts *DatabaseOptions) error {
	dbDir := filepath.Dir(db.path)
	if err := os.MkdirAll(dbDir, 0700); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	dbExists := true
	if _, err := os.Stat(db.path); os.IsNotExist(err) {
		dbExists = false
		if !opts.CreateIfMissing {
			return fmt.Errorf("database file does not exist: %s", db.path)
		}
	}

	connStr := db.buildConnectionString()

	db.logger.Debug().
		Str("path", db.path).
		Msg("Opening database connection")

	sqlDB, err := sql.Open("sqlite", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.db = sqlDB

	db.configureConnectionPool()

	if err := db.setSecurePermissions(); err != nil {
		db.db.Close()
		return fmt.Errorf("failed to set secure permissions: %w", err)
	}

	schema := GetCurrentSchema()
	db.migrator = NewMigrator(db.db, schema)

	if !dbExists {
		db.logger.Info().Str("path", db.path).Msg("Creating new vault database")
		if err := db.migrator.InitializeSchema(); err != nil {
			db.db.Close()
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	} else if opts.MigrateOnOpen {
		if err := db.migrator.MigrateToLatest(); err != nil {
			db.db.Close()
			return fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	if opts.ValidateSchema {
		if err := db.migrator.ValidateSchema(); err != nil {
			db.db.Close()
			return fmt.Errorf("schema validation failed: %w", err)
		}
	}

	if err := db.ping(); err != nil {
		db.db.Close()
		return fmt.Errorf("database connection test failed: %w", err)
	}

	db.logger.Info().
		Str("path", db.path).
		Bool("new_database", !dbExists).
		Msg("Vault database ready")

	return nil
}

// buildConnectionString creates the SQLite connection string with pragmas
func (db *Database) buildConnectionString() string {
	journalMode := "DELETE"
	if db.config.WALMode {
		journalMode = "WAL"
	}

	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=journal_mode(%s)", journalMode),
		fmt.Sprintf("_pragma=synchronous(%s)", db.config.SyncMode),
		"_pragma=busy_timeout(10000)",
		"_pragma=secure_delete(1)",
		"_pragma=temp_store(memory)",
	}

	return db.path + "?" + strings.Join(pragmas, "&")
}

// configureConnectionPool sets up connection pool parameters
func (db *Database) configureConnectionPool() {
	db.db.SetMaxOpenConns(db.config.MaxOpenConns)
	db.db.SetMaxIdleConns(db.config.MaxIdleConns)
	db.db.SetConnMaxLifetime(30 * time.Minute)
	db.db.SetConnMaxIdleTime(5 * time.Minute)
}

// setSecurePermissions restricts the database file to the owning user
func (db *Database) setSecurePermissions() error {
	if _, err := os.Stat(db.path); os.IsNotExist(err) {
		// File is created lazily on first write; permissions are set by
		// the directory mode until then.
		return nil
	}

	if err := os.Chmod(db.path, 0600); err != nil {
		return fmt.Errorf("failed to set database file permissions: %w", err)
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		sidecar := db.path + suffix
		if _, err := os.Stat(sidecar); err == nil {
			if err := os.Chmod(sidecar, 0600); err != nil {
				db.logger.Warn().Err(err).Str("file", sidecar).Msg("Failed to set sidecar file permissions")
			}
		}
	}

	return nil
}

// ping tests the database connection
func (db *Database) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var result int
	if err := db.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("test query failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying sql.DB instance
func (db *Database) GetDB() *sql.DB {
	return db.db
}

// GetMigrator returns the database migrator
func (db *Database) GetMigrator() *Migrator {
	return db.migrator
}

// GetPath returns the database file path
func (db *Database) GetPath() string {
	return db.path
}

// IsConnected returns true if the database connection is active
func (db *Database) IsConnected() bool {
	if db.db == nil {
		return false
	}
	return db.ping() == nil
}

// BeginTx starts a database transaction. The transaction lifetime is
// managed by the caller.
func (db *Database) BeginTx() (*sql.Tx, error) {
	return db.db.BeginTx(context.Background(), nil)
}

// Close closes the database connection
func (db *Database) Close() error {
	if db.db == nil {
		return nil
	}

	db.logger.Info().Msg("Closing vault database")

	if db.config.WALMode {
		if _, err := db.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			db.logger.Warn().Err(err).Msg("Failed to perform final WAL checkpoint")
		}
	}

	if err := db.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.db = nil
	return nil
}
