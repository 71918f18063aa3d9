package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeKVsRedactsSecrets(t *testing.T) {
	out := sanitizeKVs([]interface{}{"api_key", "sk-123", "run_id", "r1", "dangling"})
	assert.Equal(t, []interface{}{"api_key", "[REDACTED]", "run_id", "r1", "dangling"}, out)
}

func TestNopLoggerDoesNotPanic(t *testing.T) {
	l := Nop().With("component", "test")
	l.Info("hello", "n", 1)
	l.Warn("warn")
	l.Sync()
}
