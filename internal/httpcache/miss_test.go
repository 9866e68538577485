package httpcache

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/hubcache/internal/cache"
)

func beginTestMiss(t *testing.T, store cache.Store, key cache.Key, maxSize int64, downstream *bytes.Buffer) (*MissWriter, *Lock) {
	t.Helper()
	lock := NewLockTable().Acquire(key)
	w, reason := BeginMiss(context.Background(), MissOptions{
		Store:      store,
		Key:        key,
		Meta:       freshMeta(time.Now(), time.Hour),
		Lock:       lock,
		MaxSize:    maxSize,
		Downstream: downstream,
	})
	require.NotNil(t, w, reason.String())
	return w, lock
}

func TestMissWriterRoundTrip(t *testing.T) {
	store := newMemStore(t)
	key := NewKey("hub", getRequest("/obj"))
	var client bytes.Buffer
	w, _ := beginTestMiss(t, store, key, 0, &client)
	defer w.Close()

	require.NoError(t, w.WriteChunk([]byte("hello "), false))
	require.NoError(t, w.WriteChunk([]byte("world"), true))
	assert.Equal(t, "hello world", client.String())
	assert.True(t, w.Reason().IsZero())
	assert.EqualValues(t, 11, w.Written())

	hit, err := store.Lookup(context.Background(), key)
	require.NoError(t, err)
	defer hit.Body.Close()
	assert.Equal(t, "hello world", readBody(t, hit.Body))
	assert.Equal(t, `"v1"`, hit.Meta.ETag)
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", hit.Meta.LastModified)
}

func TestMissWriterExceedsMaxSize(t *testing.T) {
	store := newMemStore(t)
	table := NewLockTable()
	key := NewKey("hub", getRequest("/big"))
	lock := table.Acquire(key)
	waiter := table.Acquire(key)

	var client bytes.Buffer
	w, reason := BeginMiss(context.Background(), MissOptions{
		Store: store, Key: key, Meta: freshMeta(time.Now(), time.Hour),
		Lock: lock, MaxSize: 8, Downstream: &client,
	})
	require.NotNil(t, w, reason.String())
	defer w.Close()

	require.NoError(t, w.WriteChunk([]byte("0123456"), false))
	require.NoError(t, w.WriteChunk([]byte("789abc"), false))

	outcome, err := waiter.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LockAbandoned, outcome, "waiters wake as soon as caching is abandoned")

	require.NoError(t, w.WriteChunk([]byte("def"), true))
	assert.Equal(t, "0123456789abcdef", client.String(), "client body is unaffected")
	assert.Equal(t, "exceeds max size", w.Reason().String())

	_, err = store.Lookup(context.Background(), key)
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestBeginMissRejectsDeclaredOversize(t *testing.T) {
	store := newMemStore(t)
	key := NewKey("hub", getRequest("/declared"))
	meta := freshMeta(time.Now(), time.Hour)
	meta.Header.Set("Content-Length", "4096")
	table := NewLockTable()
	lock := table.Acquire(key)

	w, reason := BeginMiss(context.Background(), MissOptions{Store: store, Key: key, Meta: meta, Lock: lock, MaxSize: 1024, Downstream: &bytes.Buffer{}})
	assert.Nil(t, w)
	assert.Equal(t, NoCacheTooLarge, reason.Kind)
	assert.Equal(t, 0, table.Len(), "lock published on early exit")
}

func TestBeginMissStorageFailure(t *testing.T) {
	table := NewLockTable()
	key := NewKey("hub", getRequest("/fail"))
	lock := table.Acquire(key)

	w, reason := BeginMiss(context.Background(), MissOptions{
		Store: failingStore{err: errors.New("read-only")}, Key: key,
		Meta: freshMeta(time.Now(), time.Hour), Lock: lock, Downstream: &bytes.Buffer{},
	})
	assert.Nil(t, w)
	assert.Equal(t, NoCacheStorageError, reason.Kind)
	assert.Equal(t, 0, table.Len())
}

type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) { return 0, errors.New("client gone") }

func TestMissWriterClientFailureAbandons(t *testing.T) {
	store := newMemStore(t)
	table := NewLockTable()
	key := NewKey("hub", getRequest("/gone"))
	lock := table.Acquire(key)

	w, _ := BeginMiss(context.Background(), MissOptions{Store: store, Key: key, Meta: freshMeta(time.Now(), time.Hour), Lock: lock, Downstream: brokenWriter{}})
	require.NotNil(t, w)
	err := w.WriteChunk([]byte("x"), false)
	require.Error(t, err)
	w.Close()

	assert.Equal(t, 0, table.Len())
	_, lookupErr := store.Lookup(context.Background(), key)
	assert.ErrorIs(t, lookupErr, cache.ErrNotFound)
}

func TestMissWriterCloseWithoutFinishReleasesLock(t *testing.T) {
	store := newMemStore(t)
	table := NewLockTable()
	key := NewKey("hub", getRequest("/early"))
	lock := table.Acquire(key)
	waiter := table.Acquire(key)

	w, _ := BeginMiss(context.Background(), MissOptions{Store: store, Key: key, Meta: freshMeta(time.Now(), time.Hour), Lock: lock, Downstream: &bytes.Buffer{}})
	require.NotNil(t, w)
	require.NoError(t, w.WriteChunk([]byte("partial"), false))
	w.Close()

	outcome, err := waiter.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LockAbandoned, outcome)
	_, lookupErr := store.Lookup(context.Background(), key)
	assert.ErrorIs(t, lookupErr, cache.ErrNotFound)
}
