package httpcache

import (
	"net/http"
	"time"

	"github.com/any-hub/hubcache/internal/cache"
)

// RevalidationKind 为回源响应的处理结论。
type RevalidationKind uint8

const (
	// RevalidateNotModified 表示 304：Meta 为刷新后的元数据，正文沿用旧对象。
	RevalidateNotModified RevalidationKind = iota
	// RevalidateCacheable 表示新的完整响应可写入缓存，Meta 为新元数据。
	RevalidateCacheable
	// RevalidateUncacheable 表示响应需透传且不写入缓存，Reason 给出原因。
	RevalidateUncacheable
	// RevalidateServeStale 表示上游 5xx 且仍在 stale-if-error 窗口内，应返回旧对象。
	RevalidateServeStale
)

func (k RevalidationKind) String() string {
	switch k {
	case RevalidateNotModified:
		return "not_modified"
	case RevalidateCacheable:
		return "cacheable"
	case RevalidateServeStale:
		return "serve_stale"
	default:
		return "uncacheable"
	}
}

// Revalidation 为 ApplyConditional 的结果。
type Revalidation struct {
	Kind   RevalidationKind
	Meta   *cache.Meta
	Reason NoCacheReason
}

// ApplyConditional 处理上游对（条件）请求的响应。old 为 nil 表示普通 miss。
func ApplyConditional(old *cache.Meta, status int, header http.Header, req Request, now time.Time, p Policy) Revalidation {
	if status == http.StatusNotModified {
		if old == nil {
			return Revalidation{Kind: RevalidateUncacheable, Reason: Custom("304 on miss")}
		}
		return Revalidation{Kind: RevalidateNotModified, Meta: refreshMeta(old, header, req, now, p)}
	}

	if status >= 500 && old != nil && old.CanServeStaleIfError(now) {
		return Revalidation{
			Kind:   RevalidateServeStale,
			Meta:   old,
			Reason: NoCacheReason{Kind: NoCacheResponseUncacheable, Detail: "upstream " + http.StatusText(status)},
		}
	}

	if reason, ok := ResponseCacheable(status, header); !ok {
		return Revalidation{Kind: RevalidateUncacheable, Reason: reason}
	}
	return Revalidation{Kind: RevalidateCacheable, Meta: NewMeta(status, header, req, now, p)}
}

// refreshMeta 合并 304 携带的响应头并重新计算新鲜度，校验器与正文保持不变。
func refreshMeta(old *cache.Meta, header http.Header, req Request, now time.Time, p Policy) *cache.Meta {
	meta := old.Clone()
	if meta.Header == nil {
		meta.Header = http.Header{}
	}
	for key, values := range storableHeader(header) {
		switch key {
		case "Content-Length", "Content-Encoding", "Content-Type":
			continue
		}
		meta.Header[key] = values
	}

	meta.Updated = now
	if age, ok := parseAge(header); ok {
		meta.Updated = now.Add(-age)
	}
	applyFreshness(meta, meta.Header, now, p)

	if etag := header.Get("ETag"); etag != "" {
		meta.ETag = etag
	}
	if lastModified := header.Get("Last-Modified"); lastModified != "" {
		meta.LastModified = lastModified
	}

	if p.RecomputeVarianceOn304 {
		vary, _ := ParseVary(meta.Header)
		meta.Vary = vary
		meta.Variance = Variance(vary, req.Header)
	}
	return meta
}
