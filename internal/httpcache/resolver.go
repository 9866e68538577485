package httpcache

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/hubcache/internal/cache"
)

// Action 是 Resolve 的决策。
type Action uint8

const (
	ActionServe Action = iota
	ActionRevalidate
	ActionMiss
)

func (a Action) String() string {
	switch a {
	case ActionServe:
		return "serve"
	case ActionRevalidate:
		return "revalidate"
	default:
		return "miss"
	}
}

// Resolution 为一次查找的结论。
//
//   - ActionServe：Hit 可直接返回；若 BackgroundRevalidate 为 true，Lock 为后台刷新持有的写锁。
//   - ActionRevalidate：Hit 为过期对象，Lock 为写锁，需带条件头回源。
//   - ActionMiss：Lock 非 nil 时由调用方写入缓存；为 nil 时只回源，NoCache 给出原因。
type Resolution struct {
	Action               Action
	Key                  cache.Key
	Status               HitStatus
	Hit                  *cache.Hit
	Lock                 *Lock
	BackgroundRevalidate bool
	NoCache              NoCacheReason
	Waits                int
}

// ResolveOptions 携带单次请求的附加条件。
type ResolveOptions struct {
	// ForceMiss 由策略决定忽略已有对象。
	ForceMiss bool
	// UpstreamHealthy 为 false 时允许在 stale-if-error 窗口内直接返回陈旧对象。
	UpstreamHealthy bool
}

// Resolver 组合存储与锁表，决定请求的处理方式。
type Resolver struct {
	store    cache.Store
	locks    *LockTable
	loopCap  int
	maxWaits int
	logger   logrus.FieldLogger
	now      func() time.Time
}

// Default resolver bounds.
const (
	DefaultLookupLoopCap = 8
	DefaultLockMaxWaits  = 3
)

// NewResolver 构造 Resolver。loopCap / maxWaits 非正数时使用默认值。
func NewResolver(store cache.Store, locks *LockTable, loopCap, maxWaits int, logger logrus.FieldLogger) *Resolver {
	if loopCap <= 0 {
		loopCap = DefaultLookupLoopCap
	}
	if maxWaits <= 0 {
		maxWaits = DefaultLockMaxWaits
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		store:    store,
		locks:    locks,
		loopCap:  loopCap,
		maxWaits: maxWaits,
		logger:   logger,
		now:      time.Now,
	}
}

// Resolve 查找缓存并返回决策。存储错误降级为 Miss；循环次数受 loopCap 限制。
func (r *Resolver) Resolve(ctx context.Context, key cache.Key, req Request, opts ResolveOptions) Resolution {
	waits := 0
	for iter := 0; iter < r.loopCap; iter++ {
		hit, err := r.store.Lookup(ctx, key)
		if err != nil && !errors.Is(err, cache.ErrNotFound) {
			r.logger.WithError(err).WithField("cache_key", key.String()).Warn("cache_lookup_failed")
			return Resolution{
				Action:  ActionMiss,
				Key:     key,
				NoCache: NoCacheReason{Kind: NoCacheStorageError, Detail: err.Error()},
				Waits:   waits,
			}
		}

		if hit != nil && hit.Meta.HasVary() {
			variance := Variance(hit.Meta.Vary, req.Header)
			if variance != key.Variance {
				hit.Body.Close()
				key = key.WithVariance(variance)
				continue
			}
		}

		if hit == nil {
			lock := r.locks.Acquire(key)
			switch lock.Status() {
			case LockWriter:
				return Resolution{Action: ActionMiss, Key: key, Lock: lock, Waits: waits}
			case LockGiveUp:
				return giveUp(key, waits)
			}
			waits++
			if !r.wait(ctx, lock, waits) {
				return giveUp(key, waits)
			}
			key = key.PrimaryOnly()
			continue
		}

		now := r.now()
		status := Classify(hit.Meta, now, req, opts.ForceMiss)
		switch status.Kind {
		case HitFresh:
			return Resolution{Action: ActionServe, Key: key, Status: status, Hit: hit, Waits: waits}

		case HitForcedMiss:
			hit.Body.Close()
			if lock := r.locks.TryAcquire(key); lock != nil {
				return Resolution{Action: ActionMiss, Key: key, Status: status, Lock: lock, Waits: waits}
			}
			res := giveUp(key, waits)
			res.Status = status
			return res
		}

		if status.Kind == HitStale && hit.Meta.CanServeStaleWhileRevalidate(now) {
			res := Resolution{Action: ActionServe, Key: key, Status: status, Hit: hit, Waits: waits}
			if lock := r.locks.TryAcquire(key); lock != nil {
				res.Lock = lock
				res.BackgroundRevalidate = true
			}
			return res
		}
		if status.Kind == HitStale && !opts.UpstreamHealthy && hit.Meta.CanServeStaleIfError(now) {
			return Resolution{Action: ActionServe, Key: key, Status: status, Hit: hit, Waits: waits}
		}

		lock := r.locks.Acquire(key)
		switch lock.Status() {
		case LockWriter:
			return Resolution{Action: ActionRevalidate, Key: key, Status: status, Hit: hit, Lock: lock, Waits: waits}
		case LockGiveUp:
			hit.Body.Close()
			res := giveUp(key, waits)
			res.Status = status
			return res
		}
		hit.Body.Close()
		waits++
		if !r.wait(ctx, lock, waits) {
			return giveUp(key, waits)
		}
		key = key.PrimaryOnly()
	}

	r.logger.WithField("cache_key", key.String()).Warn("cache_lookup_loop_exhausted")
	return giveUp(key, waits)
}

// wait 等待写者，返回 false 表示应放弃协调。
func (r *Resolver) wait(ctx context.Context, lock *Lock, waits int) bool {
	if waits > r.maxWaits {
		lock.Forget()
		return false
	}
	outcome, err := lock.Wait(ctx)
	return err == nil && outcome == LockFilled
}

func giveUp(key cache.Key, waits int) Resolution {
	return Resolution{
		Action:  ActionMiss,
		Key:     key,
		NoCache: NoCacheReason{Kind: NoCacheLockGiveUp},
		Waits:   waits,
	}
}
