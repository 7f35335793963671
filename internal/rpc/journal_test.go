package rpc

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TimSimpsonR/sneaky-pete-sub001/storage"
)

func newMemoryJournal(t *testing.T, retention time.Duration) (*Journal, *storage.BuntDBProvider) {
	t.Helper()
	store := storage.NewBuntDBProvider(":memory:")
	require.NoError(t, store.Initialize())
	t.Cleanup(func() { store.Close() })
	return NewJournal(store, retention, nil), store
}

func TestJournalTracksReplies(t *testing.T) {
	j, store := newMemoryJournal(t, time.Hour)

	assert.False(t, j.Replied("abc"))
	j.Started("abc", "create_database")
	j.Started("def", "list_users")
	assert.ElementsMatch(t, []string{"abc", "def"}, j.Unfinished())

	j.MarkReplied("abc")
	assert.True(t, j.Replied("abc"))
	assert.False(t, j.Replied("def"))
	assert.Equal(t, []string{"def"}, j.Unfinished())

	data, err := store.Get(storage.KeyPrefixReplied + "abc")
	require.NoError(t, err)
	var rec journalRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "abc", rec.MsgID)
	assert.False(t, rec.Timestamp.IsZero())
}

func TestJournalRetention(t *testing.T) {
	j, _ := newMemoryJournal(t, 50*time.Millisecond)
	j.MarkReplied("short")
	assert.True(t, j.Replied("short"))
	assert.Eventually(t, func() bool { return !j.Replied("short") }, 5*time.Second, 20*time.Millisecond)
}

func TestNilJournal(t *testing.T) {
	var j *Journal
	j.Started("a", "m")
	j.MarkReplied("a")
	assert.False(t, j.Replied("a"))
	assert.Nil(t, j.Unfinished())
}
