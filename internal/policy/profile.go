package policy

import (
	"strings"
	"time"

	"github.com/any-hub/hubcache/internal/httpcache"
)

// FallbackTTL 在档案、全局与 Hub 均未给出 TTL 时使用。
const FallbackTTL = time.Hour

// Profile 描述一类上游的缓存策略。零值字段表示沿用全局默认值。
type Profile struct {
	Key                    string        `json:"key"`
	Description            string        `json:"description"`
	DefaultTTL             time.Duration `json:"default_ttl"`
	StaleWhileRevalidate   time.Duration `json:"stale_while_revalidate"`
	StaleIfError           time.Duration `json:"stale_if_error"`
	MaxObjectSize          int64         `json:"max_object_size"`
	RecomputeVarianceOn304 bool          `json:"recompute_variance_on_304"`
	// ForceMissPaths 中的路径前缀总是回源抓取，忽略已有对象。
	ForceMissPaths []string `json:"force_miss_paths,omitempty"`
}

// Defaults 为全局配置提供的兜底值。
type Defaults struct {
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
	StaleIfError         time.Duration
	MaxObjectSize        int64
}

// Options 描述来自 Hub 配置的覆盖项，零值表示不覆盖。
type Options struct {
	TTLOverride            time.Duration
	StaleWhileRevalidate   time.Duration
	StaleIfError           time.Duration
	MaxObjectSizeOverride  int64
	RecomputeVarianceOn304 bool
	ForceMissPaths         []string
	Defaults               Defaults
}

// Resolve 按 Hub 覆盖 > 档案 > 全局默认的顺序合并出最终策略。
func Resolve(profile Profile, opts Options) Profile {
	if profile.DefaultTTL <= 0 {
		profile.DefaultTTL = opts.Defaults.TTL
	}
	if profile.StaleWhileRevalidate <= 0 {
		profile.StaleWhileRevalidate = opts.Defaults.StaleWhileRevalidate
	}
	if profile.StaleIfError <= 0 {
		profile.StaleIfError = opts.Defaults.StaleIfError
	}
	if profile.MaxObjectSize <= 0 {
		profile.MaxObjectSize = opts.Defaults.MaxObjectSize
	}

	if opts.TTLOverride > 0 {
		profile.DefaultTTL = opts.TTLOverride
	}
	if opts.StaleWhileRevalidate > 0 {
		profile.StaleWhileRevalidate = opts.StaleWhileRevalidate
	}
	if opts.StaleIfError > 0 {
		profile.StaleIfError = opts.StaleIfError
	}
	if opts.MaxObjectSizeOverride > 0 {
		profile.MaxObjectSize = opts.MaxObjectSizeOverride
	}
	if opts.RecomputeVarianceOn304 {
		profile.RecomputeVarianceOn304 = true
	}
	if len(opts.ForceMissPaths) > 0 {
		profile.ForceMissPaths = append(append([]string(nil), profile.ForceMissPaths...), opts.ForceMissPaths...)
	}
	return normalize(profile)
}

func normalize(profile Profile) Profile {
	if profile.DefaultTTL <= 0 {
		profile.DefaultTTL = FallbackTTL
	}
	if profile.StaleWhileRevalidate < 0 {
		profile.StaleWhileRevalidate = 0
	}
	if profile.StaleIfError < 0 {
		profile.StaleIfError = 0
	}
	if profile.MaxObjectSize < 0 {
		profile.MaxObjectSize = 0
	}
	paths := profile.ForceMissPaths[:0:0]
	for _, p := range profile.ForceMissPaths {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	profile.ForceMissPaths = paths
	return profile
}

// ForcesMiss 判断请求路径是否命中 ForceMissPaths。
func (p Profile) ForcesMiss(requestPath string) bool {
	for _, prefix := range p.ForceMissPaths {
		if strings.HasPrefix(requestPath, prefix) {
			return true
		}
	}
	return false
}

// CachePolicy 转换为 httpcache 使用的新鲜度与写入参数。
func (p Profile) CachePolicy() httpcache.Policy {
	return httpcache.Policy{
		DefaultTTL:             p.DefaultTTL,
		StaleWhileRevalidate:   p.StaleWhileRevalidate,
		StaleIfError:           p.StaleIfError,
		MaxObjectSize:          p.MaxObjectSize,
		RecomputeVarianceOn304: p.RecomputeVarianceOn304,
	}
}
