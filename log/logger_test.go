package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModuleGating(t *testing.T) {
	DisableModule(Flags)
	var buf bytes.Buffer
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))

	Trace(Flags, "should be suppressed")
	assert.Empty(t, buf.String())

	EnableModule(Flags)
	Trace(Flags, "should appear")
	assert.Contains(t, buf.String(), "should appear")
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	assert.NoError(t, err)
	assert.Equal(t, LevelDebug, lvl)

	_, err = ParseLevel("bogus")
	assert.Error(t, err)
}
