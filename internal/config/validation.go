package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/any-hub/hubcache/internal/cache"
	"github.com/any-hub/hubcache/internal/policy"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError(globalField("ListenPort"), "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError(globalField("StoragePath"), "不能为空")
	}
	if !slices.Contains(cache.Drivers(), g.StorageDriver) {
		return newFieldErrorKind(globalField("StorageDriver"), "仅支持 "+strings.Join(cache.Drivers(), "|"), ErrUnknownDriver)
	}
	if g.CacheTTL.DurationValue() <= 0 {
		return newFieldError(globalField("CacheTTL"), "必须大于 0")
	}
	if g.MaxObjectSize < 0 {
		return newFieldError(globalField("MaxObjectSize"), "不能为负数")
	}
	if g.MaxRanges <= 0 {
		return newFieldError(globalField("MaxRanges"), "必须大于 0")
	}
	if g.LockMaxWaits < 0 {
		return newFieldError(globalField("LockMaxWaits"), "不能为负数")
	}
	if g.LookupLoopCap <= 0 {
		return newFieldError(globalField("LookupLoopCap"), "必须大于 0")
	}
	if g.StaleWhileRevalidate.DurationValue() < 0 {
		return newFieldError(globalField("StaleWhileRevalidate"), "不能为负数")
	}
	if g.StaleIfError.DurationValue() < 0 {
		return newFieldError(globalField("StaleIfError"), "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError(globalField("UpstreamTimeout"), "必须大于 0")
	}
	if g.UnhealthyThreshold < 0 {
		return newFieldError(globalField("UnhealthyThreshold"), "不能为负数")
	}
	if g.PurgeInterval.DurationValue() < 0 {
		return newFieldError(globalField("PurgeInterval"), "不能为负数")
	}

	if len(c.Hubs) == 0 {
		return errors.New("至少需要配置一个 Hub")
	}

	seenNames := map[string]struct{}{}
	for i := range c.Hubs {
		hub := &c.Hubs[i]
		if hub.Name == "" {
			return newFieldError(hubField("", "Name"), "不能为空")
		}
		if _, exists := seenNames[hub.Name]; exists {
			return newFieldError(hubField(hub.Name, "Name"), "重复")
		}
		seenNames[hub.Name] = struct{}{}

		if err := validateDomain(hub.Domain); err != nil {
			return fmt.Errorf("%s: %w", hubField(hub.Name, "Domain"), err)
		}

		profile := strings.ToLower(strings.TrimSpace(hub.Profile))
		if profile == "" {
			profile = policy.DefaultProfileKey()
		}
		if _, ok := policy.Lookup(profile); !ok {
			return newFieldErrorKind(hubField(hub.Name, "Profile"), fmt.Sprintf("未注册策略: %s", profile), ErrUnknownProfile)
		}
		hub.Profile = profile

		if hub.StaleWhileRevalidate.DurationValue() < 0 {
			return newFieldError(hubField(hub.Name, "StaleWhileRevalidate"), "不能为负数")
		}
		if hub.StaleIfError.DurationValue() < 0 {
			return newFieldError(hubField(hub.Name, "StaleIfError"), "不能为负数")
		}
		if hub.MaxObjectSize < 0 {
			return newFieldError(hubField(hub.Name, "MaxObjectSize"), "不能为负数")
		}
		for _, p := range hub.ForceMissPaths {
			if !strings.HasPrefix(p, "/") {
				return newFieldError(hubField(hub.Name, "ForceMissPaths"), "路径必须以 / 开头: "+p)
			}
		}

		if (hub.Username == "") != (hub.Password == "") {
			return newFieldError(hubField(hub.Name, "Username/Password"), "必须同时提供或同时留空")
		}
		if err := validateUpstream(hub.Upstream); err != nil {
			return fmt.Errorf("%s: %w", hubField(hub.Name, "Upstream"), err)
		}
		if hub.Proxy != "" {
			if err := validateUpstream(hub.Proxy); err != nil {
				return fmt.Errorf("%s: %w", hubField(hub.Name, "Proxy"), err)
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// EffectiveCacheTTL 返回特定 Hub 生效的 TTL，未覆盖时回退至全局值。
func (c *Config) EffectiveCacheTTL(h HubConfig) time.Duration {
	if h.CacheTTL.DurationValue() > 0 {
		return h.CacheTTL.DurationValue()
	}
	return c.Global.CacheTTL.DurationValue()
}
