package sound

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_PrefersMP3ThenWav(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "on.wav"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "off.mp3"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "off.ogg"), nil, 0o644))

	got, err := resolve(dir, "on")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "on.wav"), got)

	got, err = resolve(dir, "off")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "off.mp3"), got)

	_, err = resolve(dir, "missing")
	assert.Error(t, err)
}

func TestNewPlayer_UnknownCommand(t *testing.T) {
	_, err := NewPlayer(t.TempDir(), "definitely-not-a-player-binary", nil)
	assert.Error(t, err)
}
