package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *BuntDBProvider {
	t.Helper()
	p := NewBuntDBProvider(":memory:")
	require.NoError(t, p.Initialize())
	t.Cleanup(func() { p.Close() })
	return p
}

func TestBuntDBSetGetDelete(t *testing.T) {
	p := openMemory(t)

	_, err := p.Get(KeyPrefixReplied + "abc")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, p.Set(KeyPrefixReplied+"abc", []byte(`{"at":1}`)))
	val, err := p.Get(KeyPrefixReplied + "abc")
	require.NoError(t, err)
	assert.Equal(t, `{"at":1}`, string(val))

	ok, err := p.Exists(KeyPrefixReplied + "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, p.Delete(KeyPrefixReplied+"abc"))
	require.NoError(t, p.Delete(KeyPrefixReplied+"abc"), "deleting twice is fine")
	ok, err = p.Exists(KeyPrefixReplied + "abc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuntDBKeysByPrefix(t *testing.T) {
	p := openMemory(t)
	require.NoError(t, p.Set(KeyPrefixReplied+"a", []byte("1")))
	require.NoError(t, p.Set(KeyPrefixReplied+"b", []byte("2")))
	require.NoError(t, p.Set(KeyPrefixPending+"c", []byte("3")))

	keys, err := p.Keys(KeyPrefixReplied)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{KeyPrefixReplied + "a", KeyPrefixReplied + "b"}, keys)
}

func TestBuntDBTTLExpires(t *testing.T) {
	p := openMemory(t)
	require.NoError(t, p.SetWithTTL(KeyPrefixReplied+"short", []byte("x"), 50*time.Millisecond))

	ok, err := p.Exists(KeyPrefixReplied + "short")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		ok, err := p.Exists(KeyPrefixReplied + "short")
		return err == nil && !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestBuntDBPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	first := NewBuntDBProvider(path)
	require.NoError(t, first.Initialize())
	require.NoError(t, first.Set(KeyPrefixReplied+"keep", []byte("1")))
	require.NoError(t, first.Close())

	second := NewBuntDBProvider(path)
	require.NoError(t, second.Initialize())
	defer second.Close()
	val, err := second.Get(KeyPrefixReplied + "keep")
	require.NoError(t, err)
	assert.Equal(t, "1", string(val))
}

func TestBuntDBNotInitialized(t *testing.T) {
	p := NewBuntDBProvider("")
	_, err := p.Get("x")
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, p.Close())
}
