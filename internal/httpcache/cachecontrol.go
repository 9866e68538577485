package httpcache

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// CacheControl 是解析后的 Cache-Control 指令集合，键为小写指令名。
type CacheControl map[string]string

// ParseCacheControl 合并多个 Cache-Control 头值。
func ParseCacheControl(values []string) CacheControl {
	cc := CacheControl{}
	for _, value := range values {
		for _, directive := range strings.Split(value, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			name = strings.ToLower(strings.TrimSpace(name))
			arg = strings.Trim(strings.TrimSpace(arg), `"`)
			if _, exists := cc[name]; !exists {
				cc[name] = arg
			}
		}
	}
	return cc
}

// Has 判断是否包含指令。
func (cc CacheControl) Has(directive string) bool {
	_, ok := cc[directive]
	return ok
}

// Seconds 读取以秒为单位的指令参数。
func (cc CacheControl) Seconds(directive string) (time.Duration, bool) {
	raw, ok := cc[directive]
	if !ok || raw == "" {
		return 0, false
	}
	return deltaSeconds(raw)
}

// maxDeltaSeconds 为 delta-seconds 的上限（2^31），更大的值或溢出 int64 的值按上限处理。
const maxDeltaSeconds = 1 << 31

// deltaSeconds 解析非负秒数，结果截断到 maxDeltaSeconds，避免换算成 Duration 时溢出。
func deltaSeconds(raw string) (time.Duration, bool) {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(raw, "-") {
		seconds, err = maxDeltaSeconds, nil
	}
	if err != nil || seconds < 0 {
		return 0, false
	}
	if seconds > maxDeltaSeconds {
		seconds = maxDeltaSeconds
	}
	return time.Duration(seconds) * time.Second, true
}
