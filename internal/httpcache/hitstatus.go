package httpcache

import (
	"net/http"
	"strings"
	"time"

	"github.com/any-hub/hubcache/internal/cache"
)

// HitKind 为命中分类。
type HitKind uint8

const (
	HitFresh HitKind = iota
	HitStale
	HitForcedMiss
	HitForcedExpire
)

// HitStatus 描述命中对象在当前请求下的状态。
type HitStatus struct {
	Kind   HitKind
	Reason string
}

func (s HitStatus) String() string {
	var kind string
	switch s.Kind {
	case HitFresh:
		kind = "fresh"
	case HitStale:
		kind = "stale"
	case HitForcedMiss:
		kind = "forced_miss"
	case HitForcedExpire:
		kind = "forced_expire"
	}
	if s.Reason == "" {
		return kind
	}
	return kind + "(" + s.Reason + ")"
}

// Classify 根据元数据、请求指令与当前时间对命中进行分类，结果只依赖输入。
func Classify(meta *cache.Meta, now time.Time, req Request, forceMiss bool) HitStatus {
	if forceMiss {
		return HitStatus{Kind: HitForcedMiss, Reason: "policy"}
	}

	cc := ParseCacheControl(req.Header.Values("Cache-Control"))
	if cc.Has("no-cache") {
		return HitStatus{Kind: HitForcedExpire, Reason: "request no-cache"}
	}
	if len(cc) == 0 && strings.Contains(strings.ToLower(req.Header.Get("Pragma")), "no-cache") {
		return HitStatus{Kind: HitForcedExpire, Reason: "pragma no-cache"}
	}
	if maxAge, ok := cc.Seconds("max-age"); ok {
		if maxAge == 0 {
			return HitStatus{Kind: HitForcedExpire, Reason: "request max-age=0"}
		}
		if meta.Age(now) > maxAge {
			return HitStatus{Kind: HitStale, Reason: "request max-age"}
		}
	}
	if !meta.IsFresh(now) {
		return HitStatus{Kind: HitStale, Reason: "expired"}
	}
	if minFresh, ok := cc.Seconds("min-fresh"); ok && meta.FreshUntil.Sub(now) < minFresh {
		return HitStatus{Kind: HitStale, Reason: "request min-fresh"}
	}
	return HitStatus{Kind: HitFresh}
}

// ConditionalHeaders 为再验证请求写入 If-None-Match / If-Modified-Since。
func ConditionalHeaders(meta *cache.Meta, header http.Header) {
	header.Del("If-None-Match")
	header.Del("If-Modified-Since")
	if meta.ETag != "" {
		header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		header.Set("If-Modified-Since", meta.LastModified)
	}
}

// NotModified 判断客户端的条件请求是否可以直接回 304。
func NotModified(req Request, meta *cache.Meta) bool {
	if meta.Status != http.StatusOK {
		return false
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return false
	}
	if inm := req.Header.Get("If-None-Match"); inm != "" {
		if meta.ETag == "" {
			return false
		}
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "*" || weakETag(candidate) == weakETag(meta.ETag) {
				return true
			}
		}
		return false
	}
	if ims := req.Header.Get("If-Modified-Since"); ims != "" && meta.LastModified != "" {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		modified, err := http.ParseTime(meta.LastModified)
		if err != nil {
			return false
		}
		return !modified.After(since)
	}
	return false
}

func weakETag(tag string) string {
	return strings.TrimPrefix(tag, "W/")
}
