package httpcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/hubcache/internal/cache"
)

func newMemStore(t *testing.T) cache.Store {
	t.Helper()
	store := cache.NewMemoryStore(time.Hour)
	t.Cleanup(func() { store.Close() })
	return store
}

func getRequest(uri string) Request {
	return Request{Method: http.MethodGet, URI: uri, Host: "hub.local", Header: http.Header{}}
}

func freshMeta(now time.Time, ttl time.Duration) *cache.Meta {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	return &cache.Meta{
		Version:      cache.MetaVersion,
		Created:      now,
		Updated:      now,
		FreshUntil:   now.Add(ttl),
		Status:       http.StatusOK,
		Header:       header,
		ETag:         `"v1"`,
		LastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
	}
}

func putObject(t *testing.T, store cache.Store, key cache.Key, meta *cache.Meta, body string) {
	t.Helper()
	w, err := store.CreateWriter(context.Background(), key, meta)
	require.NoError(t, err)
	_, err = w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, w.Finish())
}

func readBody(t *testing.T, body cache.BodyHandle) string {
	t.Helper()
	var out bytes.Buffer
	for {
		chunk, err := body.ReadChunk()
		out.Write(chunk)
		if errors.Is(err, io.EOF) {
			return out.String()
		}
		require.NoError(t, err)
	}
}

// failingStore 模拟存储层故障。
type failingStore struct {
	cache.Store
	err error
}

func (s failingStore) Lookup(ctx context.Context, key cache.Key) (*cache.Hit, error) {
	return nil, s.err
}

func (s failingStore) CreateWriter(ctx context.Context, key cache.Key, meta *cache.Meta) (cache.ObjectWriter, error) {
	return nil, s.err
}

// shiftingVaryStore 每次查找都返回不同的 Vary 列表，使 variance 永远无法收敛。
type shiftingVaryStore struct {
	cache.Store
	mu    sync.Mutex
	calls int
}

func (s *shiftingVaryStore) Lookup(ctx context.Context, key cache.Key) (*cache.Hit, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	meta := freshMeta(time.Now(), time.Hour)
	meta.Vary = []string{"X-Shift-" + string(rune('A'+n%26))}
	return &cache.Hit{Meta: meta, Body: nopBody{}}, nil
}

type nopBody struct{}

func (nopBody) ReadChunk() ([]byte, error) { return nil, io.EOF }
func (nopBody) CanSeek() bool              { return false }
func (nopBody) Seek(start, end int64) error {
	return cache.ErrSeekUnsupported
}
func (nopBody) Close() error { return nil }
