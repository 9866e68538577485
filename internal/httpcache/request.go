package httpcache

import (
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/any-hub/hubcache/internal/cache"
)

// Request 是缓存层关心的请求视图，与具体 HTTP 框架解耦。
type Request struct {
	Method string
	URI    string
	Host   string
	Header http.Header
}

// Cacheable 判断请求是否允许走缓存。共享缓存不处理带 Authorization 的请求。
func (r Request) Cacheable() (NoCacheReason, bool) {
	switch r.Method {
	case http.MethodGet, http.MethodHead:
	default:
		return Custom("method " + r.Method), false
	}
	if r.Header.Get("Authorization") != "" {
		return NoCacheReason{Kind: NoCacheRequestUncacheable, Detail: "authorization"}, false
	}
	if ParseCacheControl(r.Header.Values("Cache-Control")).Has("no-store") {
		return NoCacheReason{Kind: NoCacheRequestUncacheable, Detail: "no-store"}, false
	}
	return NoCacheReason{}, true
}

// NewKey 以 namespace + method + host + URI 派生主键，HEAD 与 GET 共享同一条目。
func NewKey(namespace string, req Request) cache.Key {
	method := req.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}
	h := sha1.New()
	writeField(h, method)
	writeField(h, strings.ToLower(req.Host))
	writeField(h, req.URI)
	return cache.Key{
		Namespace: namespace,
		Primary:   hex.EncodeToString(h.Sum(nil)),
	}
}

// ParseVary 返回规范化、去重并排序后的 Vary 头名称。存在 `*` 时 wildcard 为 true。
func ParseVary(header http.Header) (names []string, wildcard bool) {
	seen := make(map[string]struct{})
	for _, value := range header.Values("Vary") {
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name == "*" {
				return nil, true
			}
			canonical := http.CanonicalHeaderKey(name)
			if _, ok := seen[canonical]; ok {
				continue
			}
			seen[canonical] = struct{}{}
			names = append(names, canonical)
		}
	}
	sort.Strings(names)
	return names, false
}

// Variance 根据 Vary 名称列表计算请求头指纹，列表为空时返回空串。
func Variance(vary []string, header http.Header) string {
	if len(vary) == 0 {
		return ""
	}
	names := append([]string(nil), vary...)
	sort.Strings(names)
	h := sha1.New()
	for _, name := range names {
		writeField(h, name)
		writeField(h, strings.Join(header.Values(name), ","))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, value string) {
	io.WriteString(h, value)
	h.Write([]byte{0})
}
