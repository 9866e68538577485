package httpcache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/hubcache/internal/cache"
)

func TestLockTableSingleWriter(t *testing.T) {
	table := NewLockTable()
	key := cache.Key{Namespace: "hub", Primary: "aa"}

	writer := table.Acquire(key)
	require.Equal(t, LockWriter, writer.Status())

	waiter := table.Acquire(key)
	require.Equal(t, LockWait, waiter.Status())
	assert.Equal(t, 1, table.Waiters(key))
	assert.Nil(t, table.TryAcquire(key))

	done := make(chan LockOutcome, 1)
	go func() {
		outcome, err := waiter.Wait(context.Background())
		assert.NoError(t, err)
		done <- outcome
	}()

	writer.Publish(LockFilled)
	select {
	case outcome := <-done:
		assert.Equal(t, LockFilled, outcome)
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter was not woken")
	}
	assert.Equal(t, 0, table.Len())
}

func TestLockReleaseAbandonsAndIsIdempotent(t *testing.T) {
	table := NewLockTable()
	key := cache.Key{Namespace: "hub", Primary: "bb"}

	writer := table.Acquire(key)
	waiter := table.Acquire(key)

	writer.Release()
	writer.Publish(LockFilled)
	writer.Release()

	outcome, err := waiter.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LockAbandoned, outcome)

	next := table.Acquire(key)
	assert.Equal(t, LockWriter, next.Status())
	next.Release()
}

func TestLockWaitHonoursContext(t *testing.T) {
	table := NewLockTable()
	key := cache.Key{Namespace: "hub", Primary: "cc"}
	writer := table.Acquire(key)
	defer writer.Release()

	waiter := table.Acquire(key)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := waiter.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, table.Waiters(key))
}

func TestNilLockTableGivesUp(t *testing.T) {
	var table *LockTable
	lock := table.Acquire(cache.Key{Namespace: "hub", Primary: "dd"})
	assert.Equal(t, LockGiveUp, lock.Status())
	lock.Release()
	assert.Nil(t, table.TryAcquire(cache.Key{Namespace: "hub", Primary: "dd"}))
}

// TestResolveSingleFlight 验证并发 miss 只产生一次回源。
func TestResolveSingleFlight(t *testing.T) {
	store := newMemStore(t)
	resolver := NewResolver(store, NewLockTable(), 0, 0, nil)
	req := getRequest("/pkg/a.tgz")
	key := NewKey("hub", req)

	var fetches atomic.Int32
	var served atomic.Int32
	release := make(chan struct{})

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			res := resolver.Resolve(context.Background(), key, req, ResolveOptions{UpstreamHealthy: true})
			switch res.Action {
			case ActionMiss:
				if res.Lock == nil {
					t.Errorf("unexpected uncoordinated miss: %v", res.NoCache)
					return nil
				}
				fetches.Add(1)
				<-release
				w, reason := BeginMiss(context.Background(), MissOptions{
					Store:      store,
					Key:        res.Key,
					Meta:       freshMeta(time.Now(), time.Hour),
					Lock:       res.Lock,
					Downstream: discard{},
				})
				if w == nil {
					t.Errorf("begin miss failed: %v", reason)
					return nil
				}
				defer w.Close()
				return w.WriteChunk([]byte("payload"), true)
			case ActionServe:
				served.Add(1)
				res.Hit.Body.Close()
			}
			return nil
		})
	}

	require.Eventually(t, func() bool { return fetches.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, g.Wait())

	assert.EqualValues(t, 1, fetches.Load())
	assert.EqualValues(t, 15, served.Load())
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
