package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/hubcache/internal/httpcache"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供 hub/domain/命中状态字段，供代理请求日志复用。
func RequestFields(hub, domain, authMode, profile, cacheStatus string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"hub":          hub,
		"domain":       domain,
		"auth_mode":    authMode,
		"profile":      profile,
		"cache_status": cacheStatus,
		"cache_hit":    cacheHit,
	}
}

// NoCacheFields 在响应未写入缓存时补充原因，零值原因不产生字段。
func NoCacheFields(fields logrus.Fields, reason httpcache.NoCacheReason) logrus.Fields {
	if fields == nil {
		fields = logrus.Fields{}
	}
	if reason.IsZero() {
		return fields
	}
	fields["no_cache"] = reason.Label()
	if reason.Detail != "" {
		fields["no_cache_detail"] = reason.Detail
	}
	return fields
}
