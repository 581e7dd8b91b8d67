package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	_ "modernc.org/sqlite"

	"github.com/shellvault/shellvault/internal/api"
	"github.com/shellvault/shellvault/internal/classifier"
	"github.com/shellvault/shellvault/internal/config"
	"github.com/shellvault/shellvault/internal/logger"
	"github.com/shellvault/shellvault/internal/monitor"
	"github.com/shellvault/shellvault/internal/query"
	"github.com/shellvault/shellvault/internal/recorder"
	"github.com/shellvault/shellvault/internal/retention"
	"github.com/shellvault/shellvault/internal/sentry"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/crypto"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			if sentry.IsEnabled() {
				sentry.CaptureError(fmt.Errorf("panic: %v", r), "main", "panic_recovery")
				sentry.Flush(2 * time.Second)
			}
			fmt.Fprintf(os.Stderr, "shellvault encountered a fatal error: %v\n", r)
			os.Exit(1)
		}
	}()

	// Local .env overlay, convenient for development shells
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("SHV_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Relocate all state for containers, CI, and tests
	if dataDir := os.Getenv("SHV_DATA_DIR"); dataDir != "" {
		if !filepath.IsAbs(dataDir) {
			fmt.Fprintf(os.Stderr, "SHV_DATA_DIR must be an absolute path, got: %s\n", dataDir)
			os.Exit(1)
		}
		if filepath.Clean(dataDir) != dataDir {
			fmt.Fprintf(os.Stderr, "SHV_DATA_DIR contains invalid path components: %s\n", dataDir)
			os.Exit(1)
		}
		cfg.OverrideDataDir(dataDir)
		if err := os.MkdirAll(dataDir, 0700); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create data directory %s: %v\n", dataDir, err)
			os.Exit(1)
		}
	}

	// Color only makes sense on a terminal
	if cfg.Logging.Color && !term.IsTerminal(int(os.Stderr.Fd())) {
		cfg.Logging.Color = false
	}
	if err := logger.Init(&cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	if err := sentry.Initialize(cfg, version); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to initialize error monitoring: %v\n", err)
	}
	defer func() {
		if sentry.IsEnabled() {
			sentry.Flush(2 * time.Second)
			sentry.Close()
		}
	}()

	rootCmd := &cobra.Command{
		Use:   "shv",
		Short: "Shell activity vault",
		Long: `shellvault (shv) records shell activity into a local encrypted vault.

Command output classified as sensitive is encrypted at rest with
XChaCha20-Poly1305; everything else is stored in the clear for fast
querying. Daily statistics and a retention policy come built in.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd(cfg))
	rootCmd.AddCommand(monitorCmd(cfg))
	rootCmd.AddCommand(recordCmd(cfg))
	rootCmd.AddCommand(recentCmd(cfg))
	rootCmd.AddCommand(searchCmd(cfg))
	rootCmd.AddCommand(statsCmd(cfg))
	rootCmd.AddCommand(frequencyCmd(cfg))
	rootCmd.AddCommand(errorsCmd(cfg))
	rootCmd.AddCommand(exportCmd(cfg))
	rootCmd.AddCommand(purgeCmd(cfg))
	rootCmd.AddCommand(serveCmd(cfg))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// openVault opens the database and wraps it in the vault store
func openVault(cfg *config.Config, createIfMissing bool) (*storage.Database, *storage.Vault, error) {
	db, err := storage.NewDatabase(cfg, &storage.DatabaseOptions{
		Config:          &cfg.Database,
		CreateIfMissing: createIfMissing,
		MigrateOnOpen:   true,
		ValidateSchema:  true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open vault database: %w", err)
	}
	return db, storage.NewVault(db), nil
}

// loadCipher builds the cipher from the configured key file. Returns a
// nil cipher when the key file does not exist.
func loadCipher(cfg *config.Config) (*crypto.Cipher, error) {
	keyPath := cfg.KeyPath()
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		return nil, nil
	}

	key, err := crypto.LoadKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load encryption key: %w", err)
	}
	defer crypto.SecureWipe(key)

	return crypto.NewCipher(key)
}

func initCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the vault directory, key, and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			keyPath := cfg.KeyPath()
			if _, err := os.Stat(keyPath); os.IsNotExist(err) {
				if err := crypto.GenerateKey(keyPath); err != nil {
					return fmt.Errorf("failed to generate encryption key: %w", err)
				}
				fmt.Printf("Generated encryption key: %s\n", keyPath)
			} else {
				fmt.Printf("Encryption key already exists: %s\n", keyPath)
			}

			db, _, err := openVault(cfg, true)
			if err != nil {
				return err
			}
			defer db.Close()

			configPath := filepath.Join(cfg.ConfigDir, "config.toml")
			if _, err := os.Stat(configPath); os.IsNotExist(err) {
				if err := cfg.Save(configPath); err != nil {
					return fmt.Errorf("failed to write config: %w", err)
				}
				fmt.Printf("Wrote default config: %s\n", configPath)
			}

			fmt.Printf("Vault initialized: %s\n", db.GetPath())
			return nil
		},
	}
}

func monitorCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run the foreground monitor loop",
		Long: `Polls the command log, classifies and records observations, and
enforces the retention policy once per day. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, vault, err := openVault(cfg, true)
			if err != nil {
				return err
			}
			defer db.Close()

			rec, ret, err := buildPipeline(cfg, vault)
			if err != nil {
				return err
			}

			src := monitor.NewLogSource(cfg.Monitor.CommandLog)
			return monitor.New(cfg, src, rec, ret, vault).Run(ctx)
		},
	}
}

func recordCmd(cfg *config.Config) *cobra.Command {
	var (
		exitCode  int
		output    string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "record [command]",
		Short: "Record a single command observation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, vault, err := openVault(cfg, true)
			if err != nil {
				return err
			}
			defer db.Close()

			rec, _, err := buildPipeline(cfg, vault)
			if err != nil {
				return err
			}

			cwd, _ := os.Getwd()
			if sessionID == "" {
				sessionID = "manual"
			}

			return rec.Record(recorder.Observation{
				Command:    args[0],
				ExitCode:   exitCode,
				Output:     output,
				Timestamp:  time.Now(),
				WorkingDir: cwd,
				SessionID:  sessionID,
			})
		},
	}

	cmd.Flags().IntVar(&exitCode, "exit-code", 0, "Exit code of the command")
	cmd.Flags().StringVar(&output, "output", "", "Captured command output")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session identifier")

	return cmd
}

// buildPipeline wires the recorder and retention manager over a vault
func buildPipeline(cfg *config.Config, vault *storage.Vault) (*recorder.Recorder, *retention.Manager, error) {
	cipher, err := loadCipher(cfg)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Recorder.EncryptionEnabled && cipher == nil {
		return nil, nil, fmt.Errorf("encryption is enabled but no key exists at %s (run 'shv init')", cfg.KeyPath())
	}

	cls := classifier.NewClassifier(&cfg.Recorder)
	rec, err := recorder.NewRecorder(&cfg.Recorder, vault, cls, cipher)
	if err != nil {
		return nil, nil, err
	}

	return rec, retention.NewManager(&cfg.Retention, vault), nil
}

func recentCmd(cfg *config.Config) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "Show recent commands with decrypted output",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, vault, err := openVault(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			cipher, err := loadCipher(cfg)
			if err != nil {
				return err
			}

			views, err := query.NewService(vault, cipher).RecentCommands(limit)
			if err != nil {
				return err
			}

			if len(views) == 0 {
				fmt.Println("No commands recorded yet.")
				return nil
			}

			for _, v := range views {
				marker := "✓"
				if v.ExitCode != 0 {
					marker = fmt.Sprintf("✗(%d)", v.ExitCode)
				}
				fmt.Printf("%s  %s  %s  %s\n", v.ID, v.Timestamp.Format("2006-01-02 15:04:05"), marker, v.Command)
				if v.Output != "" {
					fmt.Printf("    %s\n", v.Output)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of commands")

	return cmd
}

func searchCmd(cfg *config.Config) *cobra.Command {
	var fromStr, toStr string

	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search command text by substring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, vault, err := openVault(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			var from, to *time.Time
			if fromStr != "" || toStr != "" {
				f, err := time.Parse(storage.DateLayout, fromStr)
				if err != nil {
					return fmt.Errorf("invalid --from date: %w", err)
				}
				t, err := time.Parse(storage.DateLayout, toStr)
				if err != nil {
					return fmt.Errorf("invalid --to date: %w", err)
				}
				// Include the whole end day
				t = t.AddDate(0, 0, 1).Add(-time.Millisecond)
				from, to = &f, &t
			}

			matches, err := query.NewService(vault, nil).SearchCommands(args[0], from, to)
			if err != nil {
				return err
			}

			if len(matches) == 0 {
				fmt.Println("No matching commands.")
				return nil
			}

			for _, m := range matches {
				fmt.Printf("%s  [%d]  %s  (%s)\n", m.Timestamp.Format("2006-01-02 15:04:05"), m.ExitCode, m.Command, m.Directory)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fromStr, "from", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&toStr, "to", "", "End date (YYYY-MM-DD)")

	return cmd
}

func statsCmd(cfg *config.Config) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show daily activity statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, vault, err := openVault(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			stat, err := query.NewService(vault, nil).DailyStats(date)
			if err != nil {
				return err
			}

			fmt.Printf("Date:               %s\n", stat.Date)
			fmt.Printf("Commands:           %d\n", stat.CommandCount)
			fmt.Printf("Errors:             %d\n", stat.ErrorCount)
			fmt.Printf("Active minutes:     %d\n", stat.ActiveMinutes)
			fmt.Printf("Unique directories: %d\n", stat.UniqueDirectories)
			return nil
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "Date to report (YYYY-MM-DD, default today)")

	return cmd
}

func frequencyCmd(cfg *config.Config) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "frequency",
		Short: "Show most frequent commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, vault, err := openVault(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			counts, err := query.NewService(vault, nil).CommandFrequency(days)
			if err != nil {
				return err
			}

			printCounts(counts)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Lookback window in days")

	return cmd
}

func errorsCmd(cfg *config.Config) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Show most frequent failing commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, vault, err := openVault(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			counts, err := query.NewService(vault, nil).ErrorAnalysis(days)
			if err != nil {
				return err
			}

			printCounts(counts)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Lookback window in days")

	return cmd
}

func printCounts(counts []*storage.CommandCount) {
	if len(counts) == 0 {
		fmt.Println("No commands in window.")
		return
	}
	for _, c := range counts {
		fmt.Printf("%6d  %s\n", c.Count, c.Command)
	}
}

func exportCmd(cfg *config.Config) *cobra.Command {
	var startStr, endStr, output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export commands and daily stats to a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := time.Parse(storage.DateLayout, startStr)
			if err != nil {
				return fmt.Errorf("invalid --start date: %w", err)
			}
			end, err := time.Parse(storage.DateLayout, endStr)
			if err != nil {
				return fmt.Errorf("invalid --end date: %w", err)
			}
			end = end.AddDate(0, 0, 1).Add(-time.Millisecond)

			db, vault, err := openVault(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			count, err := query.NewService(vault, nil).ExportData(start, end, output)
			if err != nil {
				return err
			}

			fmt.Printf("Exported %d commands to %s\n", count, output)
			return nil
		},
	}

	cmd.Flags().StringVar(&startStr, "start", "", "Start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&endStr, "end", "", "End date (YYYY-MM-DD)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	cmd.MarkFlagRequired("output")

	return cmd
}

func purgeCmd(cfg *config.Config) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete records older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, vault, err := openVault(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			if days == 0 {
				days = cfg.Retention.Days
			}

			result, err := retention.NewManager(&cfg.Retention, vault).Purge(days)
			if err != nil {
				return err
			}

			fmt.Printf("Deleted %d commands, %d daily stats, %d sessions (older than %d days)\n",
				result.CommandsDeleted, result.StatsDeleted, result.SessionsDeleted, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Retention window override in days")

	return cmd
}

func serveCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API on localhost",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			db, vault, err := openVault(cfg, false)
			if err != nil {
				return err
			}
			defer db.Close()

			cipher, err := loadCipher(cfg)
			if err != nil {
				return err
			}

			return api.Serve(ctx, cfg.API.Addr, query.NewService(vault, cipher))
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("shellvault %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}
