package logs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, closer, err := New(path, false, "warn")
	require.NoError(t, err)

	l.Info().Msg("hidden")
	l.Warn().Str("supplier", "IT-G-01").Msg("visible")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hidden")
	assert.Contains(t, string(b), `"supplier":"IT-G-01"`)
}

func TestNewFailsOnBadPath(t *testing.T) {
	_, _, err := New(filepath.Join(t.TempDir(), "missing", "app.log"), false, "")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}
