package recorder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shellvault/shellvault/internal/classifier"
	"github.com/shellvault/shellvault/internal/config"
	"github.com/shellvault/shellvault/internal/logger"
	"github.com/shellvault/shellvault/internal/stats"
	"github.com/shellvault/shellvault/internal/storage"
	"github.com/shellvault/shellvault/pkg/crypto"
)

// Observation is one raw command execution as seen by a source
type Observation struct {
	Command    string
	ExitCode   int
	Output     string
	Timestamp  time.Time
	WorkingDir string
	SessionID  string
}

// Recorder ingests raw command observations: classifies, optionally
// encrypts, writes the command row, and updates the daily aggregates.
type Recorder struct {
	vault             *storage.Vault
	aggregator        *stats.Aggregator
	classifier        *classifier.Classifier
	cipher            *crypto.Cipher
	encryptionEnabled bool
	logger            *logger.Logger
}

// NewRecorder creates a command recorder. The cipher may be nil only
// when encryption is disabled in the configuration.
func NewRecorder(cfg *config.RecorderConfig, vault *storage.Vault, cls *classifier.Classifier, cipher *crypto.Cipher) (*Recorder, error) {
	if cfg.EncryptionEnabled && cipher == nil {
		return nil, fmt.Errorf("encryption is enabled but no cipher was provided")
	}

	return &Recorder{
		vault:             vault,
		aggregator:        stats.NewAggregator(vault),
		classifier:        cls,
		cipher:            cipher,
		encryptionEnabled: cfg.EncryptionEnabled,
		logger:            logger.GetLogger().Recorder(),
	}, nil
}

// Record persists one command observation.
//
// Ignored commands are a logged no-op. The output hash is always
// computed over the raw bytes, even when encryption later redacts the
// visible field. The command insert is durable before Record returns;
// a failed stats upsert is logged and never rolls the command back.
func (r *Recorder) Record(obs Observation) error {
	if r.classifier.ShouldIgnore(obs.Command) {
		r.logger.Debug().Str("command", truncate(obs.Command, 50)).Msg("Command ignored")
		return nil
	}

	rec := storage.NewCommandRecord(obs.SessionID, obs.Command, obs.ExitCode, obs.WorkingDir, obs.Timestamp)

	if obs.Output != "" {
		rec.OutputHash = hashOutput(obs.Output)

		if r.encryptionEnabled && r.classifier.IsSensitive(obs.Output) {
			encrypted, err := r.cipher.Encrypt([]byte(obs.Output))
			if err != nil {
				return fmt.Errorf("failed to encrypt sensitive output: %w", err)
			}
			rec.EncryptedOutput = encrypted
			rec.Output = storage.RedactionMarker
		} else {
			rec.Output = obs.Output
		}
	}

	if err := r.vault.InsertCommand(rec); err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}

	// Aggregation failure is non-fatal: the command row already exists
	// and an undercounted stat is acceptable, a lost record is not.
	if err := r.aggregator.Upsert(obs.Timestamp, obs.ExitCode != 0, obs.WorkingDir); err != nil {
		r.logger.WithError(err).Error().Msg("Failed to update daily stats")
	}

	r.logger.Info().
		Str("command", truncate(obs.Command, 50)).
		Int("exit_code", obs.ExitCode).
		Bool("redacted", rec.IsRedacted()).
		Msg("Recorded command")

	return nil
}

// hashOutput returns the hex SHA-256 of the raw output bytes
func hashOutput(output string) string {
	sum := sha256.Sum256([]byte(output))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
