package env

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionalStringVariable(t *testing.T) {
	assert.Equal(t, "fallback", OptionalStringVariable("AIGATE_TEST_UNSET", "fallback"))

	t.Setenv("AIGATE_TEST_STRING", "value")
	assert.Equal(t, "value", OptionalStringVariable("AIGATE_TEST_STRING", "fallback"))

	// Set but empty still overrides.
	t.Setenv("AIGATE_TEST_STRING", "")
	assert.Equal(t, "", OptionalStringVariable("AIGATE_TEST_STRING", "fallback"))
}

func TestOptionalIntVariable(t *testing.T) {
	assert.Equal(t, 8080, OptionalIntVariable("AIGATE_TEST_UNSET", 8080))

	t.Setenv("AIGATE_TEST_INT", " 9090 ")
	assert.Equal(t, 9090, OptionalIntVariable("AIGATE_TEST_INT", 8080))

	t.Run("fails on invalid values", func(t *testing.T) {
		original := logFatalf
		defer func() { logFatalf = original }()
		var message string
		logFatalf = func(format string, args ...any) {
			message = fmt.Sprintf(format, args...)
		}

		t.Setenv("AIGATE_TEST_INT", "eighty")
		OptionalIntVariable("AIGATE_TEST_INT", 8080)
		assert.Contains(t, message, "AIGATE_TEST_INT")
	})
}

func TestSecretVariable(t *testing.T) {
	_, ok := SecretVariable("")
	assert.False(t, ok)

	_, ok = SecretVariable("AIGATE_TEST_UNSET")
	assert.False(t, ok)

	t.Setenv("AIGATE_TEST_SECRET", "  \n")
	_, ok = SecretVariable("AIGATE_TEST_SECRET")
	assert.False(t, ok)

	t.Setenv("AIGATE_TEST_SECRET", " sk-123\n")
	value, ok := SecretVariable("AIGATE_TEST_SECRET")
	assert.True(t, ok)
	assert.Equal(t, "sk-123", value)
}
