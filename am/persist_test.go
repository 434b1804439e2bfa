package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDefaultsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "am.toml")
	require.NoError(t, WriteDefaults(path))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultListenAddr, cfg.Hub.ListenAddr)
	assert.Equal(t, 3600, cfg.Hub.SessionTTLSeconds)
	assert.EqualValues(t, 8388608, cfg.Bloom.Bits)
	assert.NoError(t, cfg.Validate())
}

func TestWriteDefaultsRotatesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("# first\n"), 0644))

	require.NoError(t, WriteDefaults(path))
	back1, err := os.ReadFile(path + ".back1")
	require.NoError(t, err)
	assert.Equal(t, "# first\n", string(back1))

	require.NoError(t, WriteDefaults(path))
	back2, err := os.ReadFile(path + ".back2")
	require.NoError(t, err)
	assert.Equal(t, "# first\n", string(back2))
	_, err = os.Stat(path + ".back3")
	assert.True(t, os.IsNotExist(err))
}
