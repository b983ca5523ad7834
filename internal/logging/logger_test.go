package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrNop(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, OrNop(nil))
	var typed *componentLogger
	assert.NotNil(t, OrNop(typed), "nil pointer inside interface must be replaced")

	real := NewComponentLogger("test")
	assert.Equal(t, real, OrNop(real))
}

func TestIsNil(t *testing.T) {
	t.Parallel()

	assert.True(t, IsNil(nil))
	var typed *componentLogger
	assert.True(t, IsNil(typed))
	assert.False(t, IsNil(Nop()))
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"Warning": LevelWarn,
		"ERROR":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for input, want := range cases {
		assert.Equal(t, want, ParseLevel(input), "input %q", input)
	}
}
