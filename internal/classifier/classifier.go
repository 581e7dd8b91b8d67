package classifier

import (
	"strings"

	"github.com/shellvault/shellvault/internal/config"
	"github.com/shellvault/shellvault/internal/logger"
)

// Detector decides whether a piece of captured text is sensitive.
// Implementations must be safe for concurrent use.
type Detector interface {
	Detect(text string) bool
}

// substringDetector matches any configured pattern as a case-insensitive
// substring. Coarse and false-positive tolerant: over-encrypting is
// preferred to under-protecting.
type substringDetector struct {
	patterns []string
}

// NewSubstringDetector builds a detector from the given patterns.
// Blank patterns are dropped rather than treated as match-everything.
func NewSubstringDetector(patterns []string) Detector {
	cleaned := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return &substringDetector{patterns: cleaned}
}

func (d *substringDetector) Detect(text string) bool {
	if len(d.patterns) == 0 {
		return false
	}

	lowered := strings.ToLower(text)
	for _, pattern := range d.patterns {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

// Classifier decides whether captured output must be encrypted before
// storage and whether a command should be recorded at all.
type Classifier struct {
	sensitive Detector
	ignore    Detector
	logger    *logger.Logger
}

// NewClassifier creates a classifier from recorder configuration
func NewClassifier(cfg *config.RecorderConfig) *Classifier {
	log := logger.GetLogger().Security()

	if len(cfg.SensitivePatterns) == 0 {
		log.Warn().Msg("No sensitive patterns configured, nothing will be encrypted")
	}

	return &Classifier{
		sensitive: NewSubstringDetector(cfg.SensitivePatterns),
		ignore:    NewSubstringDetector(cfg.CommandsToIgnore),
		logger:    log,
	}
}

// IsSensitive reports whether the text must be encrypted before storage
func (c *Classifier) IsSensitive(text string) bool {
	return c.sensitive.Detect(text)
}

// ShouldIgnore reports whether the command should not be recorded at
// all. This runs before classification; ignored commands are never
// persisted.
func (c *Classifier) ShouldIgnore(command string) bool {
	return c.ignore.Detect(command)
}
