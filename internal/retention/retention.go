package retention

import (
	"fmt"
	"time"

	"github.com/shellvault/shellvault/internal/config"
	"github.com/shellvault/shellvault/internal/logger"
	"github.com/shellvault/shellvault/internal/storage"
)

// Manager enforces the retention horizon: commands and daily aggregates
// older than the configured number of days are deleted for good, with
// no soft delete and no archival. Sessions are exempt unless the policy
// is explicitly extended to them.
type Manager struct {
	vault  *storage.Vault
	config *config.RetentionConfig
	logger *logger.Logger
}

// NewManager creates a retention manager
func NewManager(cfg *config.RetentionConfig, vault *storage.Vault) *Manager {
	return &Manager{
		vault:  vault,
		config: cfg,
		logger: logger.GetLogger().Retention(),
	}
}

// Purge removes every command with a timestamp strictly before
// now - retentionDays and every daily stat dated strictly before the
// cutoff date.
func (m *Manager) Purge(retentionDays int) (*storage.PurgeResult, error) {
	if retentionDays < 1 {
		return nil, fmt.Errorf("retention days must be positive, got %d", retentionDays)
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	result, err := m.vault.PurgeBefore(cutoff, m.config.PurgeSessions)
	if err != nil {
		return nil, fmt.Errorf("retention purge failed: %w", err)
	}

	m.logger.Audit("retention_purge", map[string]interface{}{
		"retention_days":   retentionDays,
		"cutoff":           cutoff.Format(time.RFC3339),
		"commands_deleted": result.CommandsDeleted,
		"stats_deleted":    result.StatsDeleted,
		"sessions_deleted": result.SessionsDeleted,
	})

	return result, nil
}

// Run purges with the configured horizon
func (m *Manager) Run() (*storage.PurgeResult, error) {
	return m.Purge(m.config.Days)
}
