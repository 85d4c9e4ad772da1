package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	f, err := Open(path)
	require.NoError(t, err)

	assert.Empty(t, f.Password())
	mudlist, chanlist := f.ListIDs()
	assert.Zero(t, mudlist)
	assert.Zero(t, chanlist)

	// Nothing was written yet.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStateSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	f, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, f.SetPassword("1810436598"))
	f.SetListIDs(125, 13)

	g, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "1810436598", g.Password())
	mudlist, chanlist := g.ListIDs()
	assert.Equal(t, 125, mudlist)
	assert.Equal(t, 13, chanlist)
}

func TestCorruptFileStartsFreshWithoutError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{torn"), 0o600))

	f, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, f.Password())

	// The next save replaces the corrupt content.
	require.NoError(t, f.SetPassword("fresh"))
	g, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", g.Password())
}

func TestSaveLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "state.json"))
	require.NoError(t, err)

	require.NoError(t, f.SetPassword("a"))
	f.SetListIDs(1, 1)
	f.SetListIDs(2, 1)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "state.json", entries[0].Name())
}

func TestStateFileIsPrivate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, f.SetPassword("secret"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestUnchangedValuesDoNotRewrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	f, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, f.SetPassword("pw"))

	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, f.SetPassword("pw"))
	f.SetListIDs(0, 0)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
}
