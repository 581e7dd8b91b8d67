package stats

import (
	"fmt"
	"time"

	"github.com/shellvault/shellvault/internal/logger"
	"github.com/shellvault/shellvault/internal/storage"
)

// Aggregator maintains the per-day counters derived from command events.
// Each Upsert call represents exactly one real command event; repeat
// calls for the same event double-count.
type Aggregator struct {
	vault  *storage.Vault
	logger *logger.Logger
}

// NewAggregator creates a stats aggregator over the vault store
func NewAggregator(vault *storage.Vault) *Aggregator {
	return &Aggregator{
		vault:  vault,
		logger: logger.GetLogger().Stats(),
	}
}

// Upsert applies one command event to the daily aggregate for the
// event's date. The underlying read-modify-write is atomic per date, so
// interleaved calls never under-count.
func (a *Aggregator) Upsert(ts time.Time, isError bool, workingDir string) error {
	if err := a.vault.UpsertDailyStat(ts, isError, workingDir); err != nil {
		return fmt.Errorf("failed to upsert daily stat: %w", err)
	}

	a.logger.Debug().
		Str("date", ts.Format(storage.DateLayout)).
		Bool("is_error", isError).
		Msg("Daily stat updated")

	return nil
}

// ForDate returns the aggregate row for a date, or nil when no command
// was recorded on that date.
func (a *Aggregator) ForDate(date string) (*storage.DailyStat, error) {
	return a.vault.GetDailyStat(date)
}
