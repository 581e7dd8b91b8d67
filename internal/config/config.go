package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/shellvault/shellvault/internal/logger"
)

// Config represents the complete configuration for the shellvault agent
type Config struct {
	// Vault directory layout and key material
	Vault VaultConfig `toml:"vault"`

	// Database configuration
	Database DatabaseConfig `toml:"database"`

	// Recorder configuration (classification, encryption policy)
	Recorder RecorderConfig `toml:"recorder"`

	// Retention configuration
	Retention RetentionConfig `toml:"retention"`

	// Monitor loop configuration
	Monitor MonitorConfig `toml:"monitor"`

	// HTTP read API configuration
	API APIConfig `toml:"api"`

	// Sentry error monitoring configuration
	Sentry SentryConfig `toml:"sentry"`

	// Logging configuration
	Logging logger.Config `toml:"logging"`

	// Directory paths (computed, not stored in TOML)
	DataDir   string `toml:"-"`
	ConfigDir string `toml:"-"`
}

// VaultConfig contains vault directory and key settings
type VaultConfig struct {
	// Directory holding the database and key file
	Directory string `toml:"directory"`

	// Key file name, resolved relative to Directory
	KeyFile string `toml:"key_file"`

	// Directory for agent log files
	LogDirectory string `toml:"log_directory"`
}

// DatabaseConfig contains database-related settings
type DatabaseConfig struct {
	// Path to the SQLite database file
	Path string `toml:"path"`

	// Connection pool settings
	MaxOpenConns int `toml:"max_open_conns"`
	MaxIdleConns int `toml:"max_idle_conns"`

	// WAL mode settings
	WALMode bool `toml:"wal_mode"`

	// Synchronous mode (NORMAL, FULL)
	SyncMode string `toml:"sync_mode"`
}

// RecorderConfig contains recording and classification settings
type RecorderConfig struct {
	// Encrypt sensitive command output at rest
	EncryptionEnabled bool `toml:"encryption_enabled"`

	// Commands matching any of these substrings are never recorded
	CommandsToIgnore []string `toml:"commands_to_ignore"`

	// Output matching any of these substrings is encrypted before storage
	SensitivePatterns []string `toml:"sensitive_patterns"`
}

// RetentionConfig contains retention policy settings
type RetentionConfig struct {
	// Age in days beyond which commands and daily stats are purged
	Days int `toml:"days"`

	// Extend the purge to closed sessions (off by default; sessions are
	// otherwise kept indefinitely)
	PurgeSessions bool `toml:"purge_sessions"`
}

// MonitorConfig contains monitor loop settings
type MonitorConfig struct {
	// Seconds between observation scans
	PollIntervalSeconds int `toml:"poll_interval_seconds"`

	// Seconds to back off after an unexpected loop error
	ErrorBackoffSeconds int `toml:"error_backoff_seconds"`

	// Path of the observed command log (newline-delimited observations)
	CommandLog string `toml:"command_log"`

	// Wake the scan early when the command log changes on disk
	Watch bool `toml:"watch"`
}

// APIConfig contains the localhost read API settings
type APIConfig struct {
	// Listen address for the read-only HTTP API
	Addr string `toml:"addr"`
}

// SentryConfig contains Sentry error monitoring settings
type SentryConfig struct {
	// Enable Sentry error monitoring
	Enabled bool `toml:"enabled"`

	// Sentry DSN for error reporting
	DSN string `toml:"dsn"`

	// Environment name (development, staging, production)
	Environment string `toml:"environment"`

	// Sample rate for error reporting (0.0 to 1.0)
	SampleRate float64 `toml:"sample_rate"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".config", "shellvault")
	dataDir := filepath.Join(homeDir, ".local", "share", "shellvault")

	return &Config{
		Vault: VaultConfig{
			Directory:    filepath.Join(dataDir, "vault"),
			KeyFile:      "encryption.key",
			LogDirectory: filepath.Join(dataDir, "logs"),
		},
		Database: DatabaseConfig{
			Path:         filepath.Join(dataDir, "vault", "vault.db"),
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			WALMode:      true,
			SyncMode:     "NORMAL",
		},
		Recorder: RecorderConfig{
			EncryptionEnabled: true,
			CommandsToIgnore:  []string{"ls", "cd", "pwd", "clear", "exit"},
			SensitivePatterns: []string{
				"password",
				"secret",
				"token",
				"api_key",
				"authorization",
				"private_key",
				"bearer",
			},
		},
		Retention: RetentionConfig{
			Days:          30,
			PurgeSessions: false,
		},
		Monitor: MonitorConfig{
			PollIntervalSeconds: 5,
			ErrorBackoffSeconds: 10,
			CommandLog:          filepath.Join(dataDir, "command.log"),
			Watch:               true,
		},
		API: APIConfig{
			Addr: "127.0.0.1:8575",
		},
		Sentry: SentryConfig{
			Enabled:     false,
			DSN:         "",
			Environment: "development",
			SampleRate:  1.0,
		},
		Logging: logger.Config{
			Level:     "info",
			Output:    "stderr",
			Color:     true,
			Timestamp: true,
			Caller:    false,
		},
		DataDir:   dataDir,
		ConfigDir: configDir,
	}
}

// Load loads configuration from the specified file path
func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	// If no config path specified, try default location
	if configPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return config, nil
		}
		configPath = filepath.Join(homeDir, ".config", "shellvault", "config.toml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Config file doesn't exist, run on defaults
		config.applyDefaults()
		return config, nil
	}

	if _, err := toml.DecodeFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyDefaults fills derived paths left empty by a partial config file
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Vault.Directory == "" {
		c.Vault.Directory = defaults.Vault.Directory
	}
	if c.Vault.KeyFile == "" {
		c.Vault.KeyFile = defaults.Vault.KeyFile
	}
	if c.Vault.LogDirectory == "" {
		c.Vault.LogDirectory = defaults.Vault.LogDirectory
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Vault.Directory, "vault.db")
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = defaults.Database.MaxOpenConns
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = defaults.Database.MaxIdleConns
	}
	if c.Database.SyncMode == "" {
		c.Database.SyncMode = defaults.Database.SyncMode
	}
	if c.Monitor.PollIntervalSeconds == 0 {
		c.Monitor.PollIntervalSeconds = defaults.Monitor.PollIntervalSeconds
	}
	if c.Monitor.ErrorBackoffSeconds == 0 {
		c.Monitor.ErrorBackoffSeconds = defaults.Monitor.ErrorBackoffSeconds
	}
	if c.Monitor.CommandLog == "" {
		c.Monitor.CommandLog = defaults.Monitor.CommandLog
	}
	if c.Retention.Days == 0 {
		c.Retention.Days = defaults.Retention.Days
	}
	if c.API.Addr == "" {
		c.API.Addr = defaults.API.Addr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Output == "" {
		c.Logging.Output = defaults.Logging.Output
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}
	if c.ConfigDir == "" {
		c.ConfigDir = defaults.ConfigDir
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	err := validation.ValidateStruct(&c.Vault,
		validation.Field(&c.Vault.Directory, validation.Required),
		validation.Field(&c.Vault.KeyFile, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	err = validation.ValidateStruct(&c.Database,
		validation.Field(&c.Database.Path, validation.Required),
		validation.Field(&c.Database.MaxOpenConns, validation.Min(1)),
		validation.Field(&c.Database.MaxIdleConns, validation.Min(1)),
		validation.Field(&c.Database.SyncMode, validation.In("NORMAL", "FULL")),
	)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}

	err = validation.ValidateStruct(&c.Retention,
		validation.Field(&c.Retention.Days, validation.Min(1)),
	)
	if err != nil {
		return fmt.Errorf("retention: %w", err)
	}

	err = validation.ValidateStruct(&c.Monitor,
		validation.Field(&c.Monitor.PollIntervalSeconds, validation.Min(1)),
		validation.Field(&c.Monitor.ErrorBackoffSeconds, validation.Min(1)),
		validation.Field(&c.Monitor.CommandLog, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("monitor: %w", err)
	}

	err = validation.ValidateStruct(&c.Sentry,
		validation.Field(&c.Sentry.SampleRate, validation.Min(0.0), validation.Max(1.0)),
	)
	if err != nil {
		return fmt.Errorf("sentry: %w", err)
	}

	return nil
}

// KeyPath returns the absolute path of the encryption key file
func (c *Config) KeyPath() string {
	if filepath.IsAbs(c.Vault.KeyFile) {
		return c.Vault.KeyFile
	}
	return filepath.Join(c.Vault.Directory, c.Vault.KeyFile)
}

// OverrideDataDir relocates all derived paths under the given directory.
// Used by the SHV_DATA_DIR environment override and by tests.
func (c *Config) OverrideDataDir(dataDir string) {
	c.DataDir = dataDir
	c.ConfigDir = dataDir
	c.Vault.Directory = filepath.Join(dataDir, "vault")
	c.Vault.LogDirectory = filepath.Join(dataDir, "logs")
	c.Database.Path = filepath.Join(dataDir, "vault", "vault.db")
	c.Monitor.CommandLog = filepath.Join(dataDir, "command.log")
}

// EnsureDirectories creates the vault and log directories
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Vault.Directory, 0700); err != nil {
		return fmt.Errorf("failed to create vault directory: %w", err)
	}
	if err := os.MkdirAll(c.Vault.LogDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	return nil
}

// Save writes the configuration to the specified file path
func (c *Config) Save(configPath string) error {
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}
