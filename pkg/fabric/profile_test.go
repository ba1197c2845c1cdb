package fabric

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile.ini")
	content := "[fabric]\nname = verbs\nrma_maxsegs = 6\nrequires_virtual_address = false\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	require.Equal(t, "verbs", p.Name)
	require.Equal(t, 6, p.MaxSegs)
	require.False(t, p.RequiresVirtualAddress)
}

func TestLoadProfileDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.ini")
	require.NoError(t, os.WriteFile(path, []byte("[fabric]\n"), 0o644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	require.Equal(t, 4, p.MaxSegs)
	require.False(t, p.RequiresVirtualAddress)
}

func TestLoadProfileRejectsZeroMaxSegs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ini")
	require.NoError(t, os.WriteFile(path, []byte("[fabric]\nrma_maxsegs = 0\n"), 0o644))

	_, err := LoadProfile(path)
	require.Error(t, err)
}
