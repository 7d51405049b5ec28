package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var state State
	state.setActive(summary("jane_doe"), time.Now())
	require.NoError(t, store.Save("device-1", state))

	loaded, err := store.Load("device-1")
	require.NoError(t, err)
	require.NotNil(t, loaded.Current)
	assert.Equal(t, state.Current.ID, loaded.Current.ID)
	assert.Len(t, loaded.Roster, 1)
}

func TestFileStore_MissingDeviceIsEmpty(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	state, err := store.Load("never-seen")
	require.NoError(t, err)
	assert.Nil(t, state.Current)
	assert.Empty(t, state.Roster)
}

func TestFileStore_Clear(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var state State
	state.setActive(summary("jane_doe"), time.Now())
	require.NoError(t, store.Save("device-1", state))

	require.NoError(t, store.Clear("device-1"))
	loaded, err := store.Load("device-1")
	require.NoError(t, err)
	assert.Nil(t, loaded.Current)

	// Clearing a device with no state is not an error.
	assert.NoError(t, store.Clear("device-1"))
}

func TestFileStore_CorruptStateIsDropped(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	var state State
	state.setActive(summary("jane_doe"), time.Now())
	require.NoError(t, store.Save("device-1", state))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, entries[0].Name()), []byte("{corrupt"), 0o600))

	loaded, err := store.Load("device-1")
	require.NoError(t, err)
	assert.Nil(t, loaded.Current, "corrupt state loads as empty instead of failing")
}

func TestFileStore_DeviceIDsDoNotShapePaths(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	var state State
	state.setActive(summary("jane_doe"), time.Now())
	require.NoError(t, store.Save("../../etc/passwd", state))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "the state file stays inside the root")
	assert.Equal(t, ".json", filepath.Ext(entries[0].Name()))
}
