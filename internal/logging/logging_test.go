package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/labstack/gommon/log"
	"github.com/stretchr/testify/assert"
)

func TestFormat(t *testing.T) {
	assert.Equal(t, "plain", format("plain", nil))
	assert.Equal(t, "upload done kb=kb-1 docs=3", format("upload done", []any{"kb", "kb-1", "docs", 3}))
	assert.Equal(t, `failed error="dial tcp: refused"`, format("failed", []any{"error", errors.New("dial tcp: refused")}))
	assert.Equal(t, "odd key=v dangling", format("odd", []any{"key", "v", "dangling"}))
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLoggerTo(&buf, "warn")

	l.Info("hidden")
	l.Debug("hidden too")
	l.Warn("shown", "route", "/agent/api/analyze")
	l.Error("also shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown route=/agent/api/analyze")
	assert.Contains(t, out, "also shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, log.DEBUG, ParseLevel("DEBUG"))
	assert.Equal(t, log.WARN, ParseLevel("warning"))
	assert.Equal(t, log.ERROR, ParseLevel("error"))
	assert.Equal(t, log.OFF, ParseLevel("off"))
	assert.Equal(t, log.INFO, ParseLevel("chatty"))
}
