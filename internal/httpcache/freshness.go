package httpcache

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/any-hub/hubcache/internal/cache"
)

// Policy 汇总单个 Hub 的缓存参数。
type Policy struct {
	// DefaultTTL 在上游未给出任何新鲜度信息时使用。
	DefaultTTL time.Duration
	// StaleWhileRevalidate / StaleIfError 为默认陈旧窗口，上游指令优先。
	StaleWhileRevalidate time.Duration
	StaleIfError         time.Duration
	// MaxObjectSize 为单个对象的字节上限，0 表示不限。
	MaxObjectSize int64
	// RecomputeVarianceOn304 为 true 时，304 刷新会按新的 Vary 重新计算 variance。
	RecomputeVarianceOn304 bool
}

const (
	heuristicFraction = 10
	maxHeuristicTTL   = 24 * time.Hour
)

var cacheableStatus = map[int]bool{
	http.StatusOK:                   true,
	http.StatusNonAuthoritativeInfo: true,
	http.StatusMultipleChoices:      true,
	http.StatusMovedPermanently:     true,
	http.StatusPermanentRedirect:    true,
	http.StatusNotFound:             true,
	http.StatusGone:                 true,
}

// ResponseCacheable 判断上游响应是否允许存储。
func ResponseCacheable(status int, header http.Header) (NoCacheReason, bool) {
	if status < 200 {
		return NoCacheReason{Kind: NoCacheResponseUncacheable, Detail: "informational"}, false
	}
	if status == http.StatusPartialContent {
		return NoCacheReason{Kind: NoCacheResponseUncacheable, Detail: "partial content"}, false
	}
	if !cacheableStatus[status] {
		return NoCacheReason{Kind: NoCacheResponseUncacheable, Detail: "status " + strconv.Itoa(status)}, false
	}
	cc := ParseCacheControl(header.Values("Cache-Control"))
	if cc.Has("no-store") {
		return NoCacheReason{Kind: NoCacheResponseUncacheable, Detail: "no-store"}, false
	}
	if cc.Has("private") {
		return NoCacheReason{Kind: NoCacheResponseUncacheable, Detail: "private"}, false
	}
	if _, wildcard := ParseVary(header); wildcard {
		return NoCacheReason{Kind: NoCacheResponseUncacheable, Detail: "vary *"}, false
	}
	return NoCacheReason{}, true
}

// NewMeta 根据上游响应构建缓存元数据。上游 Age 会折算进 Updated。
func NewMeta(status int, header http.Header, req Request, now time.Time, p Policy) *cache.Meta {
	stored := storableHeader(header)
	updated := now
	if age, ok := parseAge(header); ok {
		updated = now.Add(-age)
	}

	meta := &cache.Meta{
		Version:      cache.MetaVersion,
		Created:      updated,
		Updated:      updated,
		Status:       status,
		Header:       stored,
		ETag:         strings.TrimSpace(header.Get("ETag")),
		LastModified: strings.TrimSpace(header.Get("Last-Modified")),
	}
	applyFreshness(meta, header, now, p)

	if vary, _ := ParseVary(header); len(vary) > 0 {
		meta.Vary = vary
		meta.Variance = Variance(vary, req.Header)
	}
	return meta
}

// applyFreshness 依次采用 s-maxage、max-age、Expires-Date、启发式与默认 TTL。
func applyFreshness(meta *cache.Meta, header http.Header, now time.Time, p Policy) {
	cc := ParseCacheControl(header.Values("Cache-Control"))
	lifetime, heuristic := freshnessLifetime(cc, header, now, p.DefaultTTL)
	if cc.Has("no-cache") {
		lifetime = 0
		heuristic = false
	}
	meta.Heuristic = heuristic
	meta.FreshUntil = meta.Updated.Add(lifetime)

	meta.StaleWhileRevalidate = p.StaleWhileRevalidate
	if d, ok := cc.Seconds("stale-while-revalidate"); ok {
		meta.StaleWhileRevalidate = d
	}
	meta.StaleIfError = p.StaleIfError
	if d, ok := cc.Seconds("stale-if-error"); ok {
		meta.StaleIfError = d
	}
	if cc.Has("must-revalidate") || cc.Has("proxy-revalidate") || cc.Has("no-cache") {
		meta.StaleWhileRevalidate = 0
		meta.StaleIfError = 0
	}
}

func freshnessLifetime(cc CacheControl, header http.Header, now time.Time, fallback time.Duration) (time.Duration, bool) {
	if d, ok := cc.Seconds("s-maxage"); ok {
		return d, false
	}
	if d, ok := cc.Seconds("max-age"); ok {
		return d, false
	}
	date := parseHTTPTime(header.Get("Date"), now)
	if raw := header.Get("Expires"); raw != "" {
		expires, err := http.ParseTime(raw)
		if err != nil {
			return 0, false
		}
		if lifetime := expires.Sub(date); lifetime > 0 {
			return lifetime, false
		}
		return 0, false
	}
	if raw := header.Get("Last-Modified"); raw != "" {
		if lastModified, err := http.ParseTime(raw); err == nil && date.After(lastModified) {
			lifetime := date.Sub(lastModified) / heuristicFraction
			if lifetime > maxHeuristicTTL {
				lifetime = maxHeuristicTTL
			}
			return lifetime, true
		}
	}
	return fallback, true
}

func parseHTTPTime(raw string, fallback time.Time) time.Time {
	if raw == "" {
		return fallback
	}
	parsed, err := http.ParseTime(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseAge(header http.Header) (time.Duration, bool) {
	raw := strings.TrimSpace(header.Get("Age"))
	if raw == "" {
		return 0, false
	}
	age, ok := deltaSeconds(raw)
	if !ok || age == 0 {
		return 0, false
	}
	return age, true
}

// storableHeader 复制需要随对象保存的响应头，去掉逐跳头与由缓存重新计算的头。
func storableHeader(header http.Header) http.Header {
	stored := make(http.Header, len(header))
	for key, values := range header {
		if skipStoredHeader(key) {
			continue
		}
		stored[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
	}
	return stored
}

func skipStoredHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Age", "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Set-Cookie", "Content-Range":
		return true
	default:
		return false
	}
}
