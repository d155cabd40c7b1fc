package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write("root.json", []byte("v1")))
	b, err := s.Read("root.json")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(b))
}

func TestReadMissingEntryReturnsNilNil(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	b, err := s.Read("nope.json")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func TestRemoveDeletesEntry(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write("timestamp.json", []byte("x")))
	require.NoError(t, s.Remove("timestamp.json"))
	b, err := s.Read("timestamp.json")
	require.NoError(t, err)
	assert.Nil(t, b)

	// removing an already-absent entry is not an error
	require.NoError(t, s.Remove("timestamp.json"))
}

func TestNewEphemeralStoreCleansUpOnClose(t *testing.T) {
	s, err := New("")
	require.NoError(t, err)
	dir := s.Dir()
	require.NoError(t, s.Write("x", []byte("y")))

	require.NoError(t, s.Close())
	assert.NoDirExists(t, dir)
}

func TestBackupAndRestoreRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write("snapshot.json", []byte("good")))
	tag := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, s.Backup([]string{"snapshot.json"}, tag))

	require.NoError(t, s.Write("snapshot.json", []byte("corrupted")))
	require.NoError(t, s.Restore([]string{"snapshot.json"}, tag))

	b, err := s.Read("snapshot.json")
	require.NoError(t, err)
	assert.Equal(t, "good", string(b))
}

func TestBackupSkipsEntriesThatDoNotExist(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	tag := time.Now()
	require.NoError(t, s.Backup([]string{"never-written.json"}, tag))
	require.NoError(t, s.Restore([]string{"never-written.json"}, tag))
}

func TestRemoveAgedBackupsDeletesOnlyOldOnes(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write("root.json", []byte("a")))
	oldTag := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Backup([]string{"root.json"}, oldTag))

	require.NoError(t, s.Write("root.json", []byte("b")))
	freshTag := time.Now().UTC()
	require.NoError(t, s.Backup([]string{"root.json"}, freshTag))

	names, err := s.names()
	require.NoError(t, err)
	assert.Contains(t, names, "root.json")

	require.NoError(t, s.RemoveAgedBackups(time.Hour, time.Now().UTC()))

	require.NoError(t, s.Restore([]string{"root.json"}, oldTag))
	b, err := s.Read("root.json")
	require.NoError(t, err)
	assert.Equal(t, "b", string(b), "old backup should have been pruned, leaving the fresh write in place")

	require.NoError(t, s.Restore([]string{"root.json"}, freshTag))
	b, err = s.Read("root.json")
	require.NoError(t, err)
	assert.Equal(t, "b", string(b))
}
