package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/shellvault/shellvault/internal/config"
	"github.com/shellvault/shellvault/internal/logger"
	"github.com/shellvault/shellvault/internal/recorder"
	"github.com/shellvault/shellvault/internal/retention"
	"github.com/shellvault/shellvault/internal/sentry"
	"github.com/shellvault/shellvault/internal/storage"
)

// Monitor runs the recording loop: a single-threaded cooperative poll
// over a Source, one Record call per observation, retention at most
// once per calendar day, then a fixed-interval sleep. A single failed
// record, aggregate or purge never stops the loop.
type Monitor struct {
	config    *config.Config
	source    Source
	recorder  *recorder.Recorder
	retention *retention.Manager
	vault     *storage.Vault
	logger    *logger.Logger

	sessionID string
	lastPurge time.Time
}

// New creates a monitor over the given collaborators
func New(cfg *config.Config, src Source, rec *recorder.Recorder, ret *retention.Manager, vault *storage.Vault) *Monitor {
	return &Monitor{
		config:    cfg,
		source:    src,
		recorder:  rec,
		retention: ret,
		vault:     vault,
		logger:    logger.GetLogger().Monitor(),
	}
}

// Run executes the monitoring loop until the context is cancelled. The
// in-flight record operation of the current iteration is finished
// before the loop returns and the session is closed.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().
		Str("command_log", m.source.Path()).
		Int("poll_interval_s", m.config.Monitor.PollIntervalSeconds).
		Msg("Monitor started")

	m.lastPurge = time.Now()

	wake := make(chan struct{}, 1)

	g, ctx := errgroup.WithContext(ctx)

	if m.config.Monitor.Watch && m.source.Path() != "" {
		g.Go(func() error {
			return m.watch(ctx, wake)
		})
	}

	g.Go(func() error {
		return m.loop(ctx, wake)
	})

	err := g.Wait()

	m.endSession()
	m.logger.Info().Msg("Monitor stopped")

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// loop is the scheduling core: scan, purge daily, sleep
func (m *Monitor) loop(ctx context.Context, wake <-chan struct{}) error {
	interval := time.Duration(m.config.Monitor.PollIntervalSeconds) * time.Second
	backoff := time.Duration(m.config.Monitor.ErrorBackoffSeconds) * time.Second

	for {
		sleep := interval

		if err := m.scan(ctx); err != nil {
			m.logger.WithError(err).Error().Msg("Scan failed")
			sentry.CaptureError(err, "monitor", "scan")
			sleep = backoff
		}

		m.maybePurge()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-time.After(sleep):
		}
	}
}

// scan polls the source and records every new observation in order
func (m *Monitor) scan(ctx context.Context) error {
	observations, err := m.source.Poll(ctx)
	if err != nil {
		return fmt.Errorf("failed to poll source: %w", err)
	}

	if len(observations) == 0 {
		return nil
	}

	if err := m.ensureSession(); err != nil {
		return err
	}

	for _, obs := range observations {
		if obs.SessionID == "" {
			obs.SessionID = m.sessionID
		}
		if obs.WorkingDir == "" {
			obs.WorkingDir, _ = os.Getwd()
		}

		// Per-observation failures are logged and skipped; the loop
		// must not lose the rest of the batch over one bad record.
		if err := m.recorder.Record(obs); err != nil {
			m.logger.WithError(err).Error().Msg("Failed to record command")
			sentry.CaptureError(err, "monitor", "record")
		}
	}

	return nil
}

// ensureSession lazily opens the session row on first observed activity
func (m *Monitor) ensureSession() error {
	if m.sessionID != "" {
		return nil
	}

	sessionID := uuid.NewString()

	workingDir, _ := os.Getwd()
	username := os.Getenv("USER")
	if username == "" {
		username = "unknown"
	}
	terminal := os.Getenv("SHELL")
	if terminal == "" {
		terminal = "unknown"
	} else {
		terminal = filepath.Base(terminal)
	}

	session := &storage.SessionRecord{
		SessionID:    sessionID,
		StartTime:    time.Now().UnixMilli(),
		TerminalType: terminal,
		WorkingDir:   workingDir,
		UserName:     username,
	}

	if err := m.vault.StartSession(session); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	m.sessionID = sessionID
	m.logger.WithSessionID(sessionID).Info().Msg("Session started")
	return nil
}

// endSession closes the session row if one was opened
func (m *Monitor) endSession() {
	if m.sessionID == "" {
		return
	}

	if err := m.vault.EndSession(m.sessionID, time.Now()); err != nil {
		m.logger.WithError(err).Warn().Msg("Failed to close session")
	}
}

// maybePurge runs retention at most once per calendar day
func (m *Monitor) maybePurge() {
	now := time.Now()
	if now.Format(storage.DateLayout) == m.lastPurge.Format(storage.DateLayout) {
		return
	}

	if _, err := m.retention.Run(); err != nil {
		m.logger.WithError(err).Error().Msg("Retention purge failed")
		sentry.CaptureError(err, "monitor", "purge")
		// Try again next day rather than hammering a broken store
	}

	m.lastPurge = now
}

// watch nudges the loop when the observed log file changes on disk.
// It only accelerates the next scan; the polling contract is unchanged.
func (m *Monitor) watch(ctx context.Context, wake chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.WithError(err).Warn().Msg("File watcher unavailable, falling back to polling only")
		return nil
	}
	defer watcher.Close()

	// Watch the directory: the log file itself may not exist yet
	if err := watcher.Add(filepath.Dir(m.source.Path())); err != nil {
		m.logger.WithError(err).Warn().Msg("Failed to watch command log directory")
		return nil
	}

	target := filepath.Clean(m.source.Path())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.WithError(err).Warn().Msg("File watcher error")
		}
	}
}
