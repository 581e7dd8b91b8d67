package sentry

import (
	"fmt"
	"time"

	sentrygo "github.com/getsentry/sentry-go"

	"github.com/shellvault/shellvault/internal/config"
)

var enabled bool

// Initialize sets up Sentry error monitoring if it is enabled in the
// configuration. A failed initialization disables reporting but is not
// fatal to the agent.
func Initialize(cfg *config.Config, release string) error {
	if !cfg.Sentry.Enabled || cfg.Sentry.DSN == "" {
		enabled = false
		return nil
	}

	err := sentrygo.Init(sentrygo.ClientOptions{
		Dsn:         cfg.Sentry.DSN,
		Environment: cfg.Sentry.Environment,
		SampleRate:  cfg.Sentry.SampleRate,
		Release:     release,
	})
	if err != nil {
		enabled = false
		return fmt.Errorf("failed to initialize sentry: %w", err)
	}

	enabled = true
	return nil
}

// IsEnabled reports whether error monitoring is active
func IsEnabled() bool {
	return enabled
}

// CaptureError reports an error with component and operation tags.
// No-op when monitoring is disabled.
func CaptureError(err error, component, operation string) {
	if !enabled || err == nil {
		return
	}

	sentrygo.WithScope(func(scope *sentrygo.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("operation", operation)
		sentrygo.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent
func Flush(timeout time.Duration) {
	if enabled {
		sentrygo.Flush(timeout)
	}
}

// Close flushes and disables reporting
func Close() {
	if enabled {
		sentrygo.Flush(2 * time.Second)
		enabled = false
	}
}
