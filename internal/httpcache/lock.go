package httpcache

import (
	"context"
	"sync"

	"github.com/any-hub/hubcache/internal/cache"
)

// LockStatus 为 Acquire 的结果。
type LockStatus uint8

const (
	// LockWriter 表示调用方负责抓取并写入该条目。
	LockWriter LockStatus = iota
	// LockWait 表示已有写者，调用方应 Wait 后重新查找。
	LockWait
	// LockGiveUp 表示不参与协调，直接回源且不写缓存。
	LockGiveUp
)

// LockOutcome 为写者发布的结果。
type LockOutcome uint8

const (
	LockFilled LockOutcome = iota + 1
	LockAbandoned
)

// LockTable 保证同一缓存条目同时最多只有一个写者，其余请求等待写者发布结果。
// nil 表示关闭协调，Acquire 总是返回 LockGiveUp。
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	done    chan struct{}
	outcome LockOutcome
	waiters int
}

// NewLockTable 创建空的锁表。
func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[string]*lockEntry)}
}

// Acquire 获取 key 的写锁；若已有写者则返回等待句柄。
func (t *LockTable) Acquire(key cache.Key) *Lock {
	if t == nil {
		return &Lock{status: LockGiveUp}
	}
	slot := key.String()

	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[slot]; ok {
		entry.waiters++
		return &Lock{table: t, slot: slot, entry: entry, status: LockWait}
	}
	entry := &lockEntry{done: make(chan struct{})}
	t.entries[slot] = entry
	return &Lock{table: t, slot: slot, entry: entry, status: LockWriter}
}

// TryAcquire 仅在没有写者时返回写锁，否则返回 nil。
func (t *LockTable) TryAcquire(key cache.Key) *Lock {
	if t == nil {
		return nil
	}
	slot := key.String()

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[slot]; ok {
		return nil
	}
	entry := &lockEntry{done: make(chan struct{})}
	t.entries[slot] = entry
	return &Lock{table: t, slot: slot, entry: entry, status: LockWriter}
}

// Len 返回当前持有中的写锁数量。
func (t *LockTable) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Waiters 返回某个 key 上正在等待的请求数。
func (t *LockTable) Waiters(key cache.Key) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.entries[key.String()]; ok {
		return entry.waiters
	}
	return 0
}

// Lock 是 Acquire 返回的句柄。方法对 nil 接收者安全。
type Lock struct {
	table  *LockTable
	slot   string
	entry  *lockEntry
	status LockStatus

	once sync.Once
}

// Status 返回获取结果。
func (l *Lock) Status() LockStatus {
	if l == nil {
		return LockGiveUp
	}
	return l.status
}

// Wait 阻塞直到写者发布结果或 ctx 结束。只对 LockWait 有意义。
func (l *Lock) Wait(ctx context.Context) (LockOutcome, error) {
	if l == nil || l.status != LockWait {
		return LockAbandoned, nil
	}
	defer l.Forget()
	select {
	case <-l.entry.done:
		return l.entry.outcome, nil
	case <-ctx.Done():
		return LockAbandoned, ctx.Err()
	}
}

// Forget 放弃等待，只对 LockWait 有意义，可重复调用。
func (l *Lock) Forget() {
	if l == nil || l.status != LockWait {
		return
	}
	l.once.Do(func() {
		l.table.mu.Lock()
		l.entry.waiters--
		l.table.mu.Unlock()
	})
}

// Publish 由写者调用，唤醒所有等待者。重复调用只有第一次生效。
func (l *Lock) Publish(outcome LockOutcome) {
	if l == nil || l.status != LockWriter {
		return
	}
	l.once.Do(func() {
		l.table.mu.Lock()
		if l.table.entries[l.slot] == l.entry {
			delete(l.table.entries, l.slot)
		}
		l.entry.outcome = outcome
		l.table.mu.Unlock()
		close(l.entry.done)
	})
}

// Release 在写者退出时调用；尚未发布结果时按 LockAbandoned 发布。
func (l *Lock) Release() {
	l.Publish(LockAbandoned)
}
