package config

import (
	"fmt"

	"github.com/any-hub/hubcache/internal/policy"
)

// HubRuntime 将 Hub 配置与策略档案合并，方便运行时快速取用。
type HubRuntime struct {
	Config HubConfig
	Policy policy.Profile
}

// BuildHubRuntime 解析 Hub 的档案并应用全局与 Hub 级覆盖。
func (c *Config) BuildHubRuntime(hub HubConfig) (HubRuntime, error) {
	key := hub.Profile
	if key == "" {
		key = policy.DefaultProfileKey()
	}
	profile, ok := policy.Lookup(key)
	if !ok {
		return HubRuntime{}, newFieldErrorKind(hubField(hub.Name, "Profile"), fmt.Sprintf("未注册策略: %s", key), ErrUnknownProfile)
	}
	return HubRuntime{
		Config: hub,
		Policy: policy.Resolve(profile, hub.PolicyOptions(c.Global)),
	}, nil
}
