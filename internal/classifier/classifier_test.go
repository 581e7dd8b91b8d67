package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/shellvault/shellvault/internal/config"
)

func testClassifier() *Classifier {
	return NewClassifier(&config.RecorderConfig{
		CommandsToIgnore:  []string{"ls", "cd", "pwd", "clear", "exit"},
		SensitivePatterns: []string{"password", "secret", "token", "api_key", "bearer"},
	})
}

func TestIsSensitive(t *testing.T) {
	cls := testClassifier()

	tests := []struct {
		text string
		want bool
	}{
		{"export DB_PASSWORD=hunter2", true},
		{"Authorization: Bearer abc123", true},
		{"SECRET_KEY=foo", true},
		{"normal build output", false},
		{"", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, cls.IsSensitive(tt.text), tt.text)
	}
}

func TestShouldIgnore(t *testing.T) {
	cls := testClassifier()

	tests := []struct {
		command string
		want    bool
	}{
		{"ls -la", true},
		{"cd /tmp", true},
		{"git status", false},
		{"echo hello", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, cls.ShouldIgnore(tt.command), tt.command)
	}
}

func TestSubstringDetectorCaseInsensitive(t *testing.T) {
	d := NewSubstringDetector([]string{"Token"})

	assert.True(t, d.Detect("GITHUB_TOKEN=ghp_xyz"))
	assert.True(t, d.Detect("token"))
	assert.False(t, d.Detect("toke"))
}

func TestSubstringDetectorDropsBlankPatterns(t *testing.T) {
	d := NewSubstringDetector([]string{"", "  ", "secret"})

	assert.False(t, d.Detect("anything at all"))
	assert.True(t, d.Detect("the secret sauce"))
}

func TestEmptyPatternsMatchNothing(t *testing.T) {
	cls := NewClassifier(&config.RecorderConfig{})

	assert.False(t, cls.IsSensitive("password=hunter2"))
	assert.False(t, cls.ShouldIgnore("ls"))
}
