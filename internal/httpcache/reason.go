package httpcache

import (
	"context"
	"sync"
)

// NoCacheKind 枚举禁止缓存的原因类别。
type NoCacheKind uint8

const (
	NoCacheNone NoCacheKind = iota
	NoCacheStorageError
	NoCacheLockGiveUp
	NoCacheTooLarge
	NoCacheRequestUncacheable
	NoCacheResponseUncacheable
	NoCacheCustom
)

// NoCacheReason 说明某次请求为何没有写入（或读取）缓存。
type NoCacheReason struct {
	Kind   NoCacheKind
	Detail string
}

// Custom 构造自定义原因。
func Custom(detail string) NoCacheReason {
	return NoCacheReason{Kind: NoCacheCustom, Detail: detail}
}

// IsZero 表示没有禁止缓存。
func (r NoCacheReason) IsZero() bool {
	return r.Kind == NoCacheNone
}

// Label 返回稳定的类别名，适合作为指标标签。
func (r NoCacheReason) Label() string {
	switch r.Kind {
	case NoCacheStorageError:
		return "storage_error"
	case NoCacheLockGiveUp:
		return "lock_give_up"
	case NoCacheTooLarge:
		return "too_large"
	case NoCacheRequestUncacheable:
		return "request_uncacheable"
	case NoCacheResponseUncacheable:
		return "response_uncacheable"
	case NoCacheCustom:
		return "custom"
	default:
		return ""
	}
}

func (r NoCacheReason) String() string {
	if r.Detail == "" {
		return r.Label()
	}
	if r.Kind == NoCacheCustom {
		return r.Detail
	}
	return r.Label() + ": " + r.Detail
}

type reasonKey struct{}

type reasonBox struct {
	mu     sync.Mutex
	reason NoCacheReason
}

// WithNoCacheTracking 在 ctx 上挂载一个可写的原因槽位。
func WithNoCacheTracking(ctx context.Context) context.Context {
	return context.WithValue(ctx, reasonKey{}, &reasonBox{})
}

// MarkNoCache 记录禁止缓存的原因，只保留第一次标记。
func MarkNoCache(ctx context.Context, reason NoCacheReason) {
	if reason.IsZero() {
		return
	}
	box, ok := ctx.Value(reasonKey{}).(*reasonBox)
	if !ok {
		return
	}
	box.mu.Lock()
	if box.reason.IsZero() {
		box.reason = reason
	}
	box.mu.Unlock()
}

// NoCacheFrom 读取 ctx 上记录的原因。
func NoCacheFrom(ctx context.Context) (NoCacheReason, bool) {
	box, ok := ctx.Value(reasonKey{}).(*reasonBox)
	if !ok {
		return NoCacheReason{}, false
	}
	box.mu.Lock()
	defer box.mu.Unlock()
	return box.reason, !box.reason.IsZero()
}
