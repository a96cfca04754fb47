package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	assert.Equal(t, "default", GetEnv("TEST_NONEXISTENT_VAR", "default"))

	t.Setenv("TEST_GET_ENV", "custom")
	assert.Equal(t, "custom", GetEnv("TEST_GET_ENV", "default"))
}

func TestGetIntEnv(t *testing.T) {
	assert.Equal(t, 42, GetIntEnv("TEST_NONEXISTENT_INT", 42))

	t.Setenv("TEST_INT_ENV", "123")
	assert.Equal(t, 123, GetIntEnv("TEST_INT_ENV", 42))

	t.Setenv("TEST_INVALID_INT", "not-a-number")
	assert.Equal(t, 42, GetIntEnv("TEST_INVALID_INT", 42), "invalid int falls back to default")
}

func TestGetDurationEnv(t *testing.T) {
	defaultDuration := 5 * time.Second

	assert.Equal(t, defaultDuration, GetDurationEnv("TEST_NONEXISTENT_DURATION", defaultDuration))

	t.Setenv("TEST_DURATION_ENV", "30s")
	assert.Equal(t, 30*time.Second, GetDurationEnv("TEST_DURATION_ENV", defaultDuration))

	t.Setenv("TEST_DURATION_MS", "100ms")
	assert.Equal(t, 100*time.Millisecond, GetDurationEnv("TEST_DURATION_MS", defaultDuration))

	t.Setenv("TEST_INVALID_DURATION", "not-a-duration")
	assert.Equal(t, defaultDuration, GetDurationEnv("TEST_INVALID_DURATION", defaultDuration), "invalid duration falls back to default")
}

func TestGetSecretFile(t *testing.T) {
	assert.Empty(t, GetSecretFile(""), "empty path")
	assert.Empty(t, GetSecretFile("/nonexistent/path/to/secret"), "nonexistent file")

	path := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(path, []byte("my-secret-value\n"), 0o600))

	assert.Equal(t, "my-secret-value", GetSecretFile(path), "trailing newline trimmed")
}

func TestGetBoolEnv(t *testing.T) {
	assert.True(t, GetBoolEnv("TEST_NONEXISTENT_BOOL", true))

	t.Setenv("TEST_BOOL_ENV", "false")
	assert.False(t, GetBoolEnv("TEST_BOOL_ENV", true))

	t.Setenv("TEST_INVALID_BOOL", "maybe")
	assert.True(t, GetBoolEnv("TEST_INVALID_BOOL", true), "invalid bool falls back to default")
}

func TestGetListEnv(t *testing.T) {
	assert.Empty(t, GetListEnv("TEST_NONEXISTENT_LIST"))

	t.Setenv("TEST_LIST_ENV", " a, b ,,c ")
	assert.Equal(t, []string{"a", "b", "c"}, GetListEnv("TEST_LIST_ENV"))
}
