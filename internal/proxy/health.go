package proxy

import (
	"sync"

	"go.uber.org/atomic"
)

// upstreamHealth 按 hub 记录连续回源失败次数，达到阈值后视为不健康，
// 此时 resolver 可在 stale-if-error 窗口内直接返回陈旧对象。
type upstreamHealth struct {
	threshold int32
	failures  sync.Map // hub name -> *atomic.Int32
}

func newUpstreamHealth(threshold int) *upstreamHealth {
	return &upstreamHealth{threshold: int32(threshold)}
}

func (u *upstreamHealth) counter(hub string) *atomic.Int32 {
	if value, ok := u.failures.Load(hub); ok {
		return value.(*atomic.Int32)
	}
	value, _ := u.failures.LoadOrStore(hub, atomic.NewInt32(0))
	return value.(*atomic.Int32)
}

// Healthy 阈值为 0 时总是健康。
func (u *upstreamHealth) Healthy(hub string) bool {
	if u == nil || u.threshold <= 0 {
		return true
	}
	return u.counter(hub).Load() < u.threshold
}

// Record 记录一次回源结果，err 非空或 5xx 计为失败，其余清零。
func (u *upstreamHealth) Record(hub string, status int, err error) {
	if u == nil {
		return
	}
	if err != nil || status >= 500 {
		u.counter(hub).Inc()
		return
	}
	u.counter(hub).Store(0)
}
