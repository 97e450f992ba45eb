package config

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spawn.yaml")
	contents := `
dir: /tmp
env:
  clear: true
  unset: [HOME]
  set:
    FOO: bar
groups: [100, 200]
id:
  uid: 1000
  gid: 1000
sigcatch:
  - signal: TERM
    ignore: true
  - signal: SIGHUP
    ignore: false
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp", s.Dir)
	assert.True(t, s.Env.Clear)
	assert.Equal(t, []string{"HOME"}, s.Env.Unset)
	assert.Equal(t, "bar", s.Env.Set["FOO"])
	assert.Equal(t, []int{100, 200}, s.Groups)
	require.NotNil(t, s.ID)
	assert.EqualValues(t, 1000, s.ID.UID)

	ignore, restore, err := s.SigDispositions()
	require.NoError(t, err)
	assert.True(t, ignore[syscall.SIGTERM])
	assert.True(t, restore[syscall.SIGHUP])
	assert.False(t, ignore[syscall.SIGHUP])
}

func TestParseSignalNameUnknown(t *testing.T) {
	_, err := parseSignalName("NOTASIGNAL")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/spawn.yaml")
	assert.Error(t, err)
}
