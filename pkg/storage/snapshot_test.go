package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeState struct {
	Names []string `json:"names"`
	Next  int      `json:"next"`
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w := NewSnapshotWriter(dir, "queue-manager")

	in := fakeState{Names: []string{"default", "debug"}, Next: 42}
	require.NoError(t, w.Write(in))

	var out fakeState
	ok, err := w.Restore(&out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)
}

func TestSnapshotKeepsOldBackup(t *testing.T) {
	dir := t.TempDir()
	w := NewSnapshotWriter(dir, "system")

	require.NoError(t, w.Write(fakeState{Next: 1}))
	require.NoError(t, w.Write(fakeState{Next: 2}))

	_, err := os.Stat(filepath.Join(dir, "system.old"))
	require.NoError(t, err)

	// Corrupt the primary; Restore must fall back to the backup.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "system"), []byte("{not json"), 0600))
	var out fakeState
	ok, err := w.Restore(&out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, out.Next)
}

func TestSnapshotRestoreFirstBoot(t *testing.T) {
	w := NewSnapshotWriter(t.TempDir(), "scheduler")
	var out fakeState
	ok, err := w.Restore(&out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoltStore(t *testing.T) {
	store, err := NewBoltStore(t.TempDir(), "test")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Put("jobs", "1", []byte(`{"jobid":1}`)))
	require.NoError(t, store.Put("jobs", "2", []byte(`{"jobid":2}`)))

	val, found, err := store.Get("jobs", "1")
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"jobid":1}`, string(val))

	_, found, err = store.Get("jobs", "3")
	require.NoError(t, err)
	assert.False(t, found)

	seen := map[string]bool{}
	require.NoError(t, store.ForEach("jobs", func(key string, _ []byte) error {
		seen[key] = true
		return nil
	}))
	assert.Len(t, seen, 2)

	require.NoError(t, store.Delete("jobs", "1"))
	_, found, _ = store.Get("jobs", "1")
	assert.False(t, found)

	// Missing bucket behaves as empty, not as an error.
	require.NoError(t, store.ForEach("nope", func(string, []byte) error { return nil }))
}
