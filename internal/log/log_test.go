package log

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  Level
	}{
		{"debug", LevelDebug},
		{"VERBOSE", LevelDebug},
		{"info", LevelInfo},
		{"Warning", LevelWarn},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"quiet", LevelError},
		{"", LevelInfo},
		{"nonsense", LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestLevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "")
	SetLevel(LevelWarn)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Info("hidden message", "k", "v")
	assert.Empty(t, buf.String())
	assert.False(t, Enabled(LevelDebug))
	assert.True(t, Enabled(LevelError))

	Warn("visible message", "source", "luma", 42, "ignored-key")
	out := buf.String()
	assert.Contains(t, out, "visible message")
	assert.Contains(t, out, "source=luma")

	buf.Reset()
	Error("failed", errors.New("boom"), "attempt", 3)
	assert.Contains(t, buf.String(), "err=boom")
	assert.Contains(t, buf.String(), "attempt=3")
}
