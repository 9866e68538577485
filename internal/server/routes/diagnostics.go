package routes

import (
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"

	"github.com/any-hub/hubcache/internal/metrics"
	"github.com/any-hub/hubcache/internal/policy"
	"github.com/any-hub/hubcache/internal/server"
)

// RegisterDiagnosticsRoutes 暴露 /-/hubs、/-/profiles 与 /-/metrics 诊断接口，
// 供 SRE 查询策略档案与 Hub 绑定关系。
func RegisterDiagnosticsRoutes(app *fiber.App, registry *server.HubRegistry) {
	if app == nil || registry == nil {
		return
	}

	app.Get("/-/hubs", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"hubs": encodeHubBindings(registry.List())})
	})

	app.Get("/-/profiles", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"profiles": encodeProfiles(policy.List())})
	})

	app.Get("/-/profiles/:key", func(c fiber.Ctx) error {
		key := strings.ToLower(strings.TrimSpace(c.Params("key")))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "profile_key_required"})
		}
		profile, ok := policy.Lookup(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "profile_not_found"})
		}
		return c.JSON(encodeProfile(profile))
	})

	app.Get("/-/metrics", adaptor.HTTPHandler(metrics.Handler()))
}

type profilePayload struct {
	Key                     string   `json:"key"`
	Description             string   `json:"description,omitempty"`
	TTLSeconds              int64    `json:"ttl_seconds"`
	StaleWhileRevalidateSec int64    `json:"stale_while_revalidate_seconds"`
	StaleIfErrorSec         int64    `json:"stale_if_error_seconds"`
	MaxObjectSize           int64    `json:"max_object_size"`
	RecomputeVarianceOn304  bool     `json:"recompute_variance_on_304"`
	ForceMissPaths          []string `json:"force_miss_paths,omitempty"`
}

type hubBindingPayload struct {
	HubName  string         `json:"hub_name"`
	Domain   string         `json:"domain"`
	Port     int            `json:"port"`
	Upstream string         `json:"upstream"`
	AuthMode string         `json:"auth_mode"`
	Policy   profilePayload `json:"policy"`
}

func encodeProfiles(profiles []policy.Profile) []profilePayload {
	if len(profiles) == 0 {
		return nil
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].Key < profiles[j].Key
	})
	result := make([]profilePayload, 0, len(profiles))
	for _, p := range profiles {
		result = append(result, encodeProfile(p))
	}
	return result
}

func encodeProfile(p policy.Profile) profilePayload {
	return profilePayload{
		Key:                     p.Key,
		Description:             p.Description,
		TTLSeconds:              int64(p.DefaultTTL / time.Second),
		StaleWhileRevalidateSec: int64(p.StaleWhileRevalidate / time.Second),
		StaleIfErrorSec:         int64(p.StaleIfError / time.Second),
		MaxObjectSize:           p.MaxObjectSize,
		RecomputeVarianceOn304:  p.RecomputeVarianceOn304,
		ForceMissPaths:          append([]string(nil), p.ForceMissPaths...),
	}
}

func encodeHubBindings(routes []server.HubRoute) []hubBindingPayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]hubBindingPayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, hubBindingPayload{
			HubName:  route.Config.Name,
			Domain:   route.Config.Domain,
			Port:     route.ListenPort,
			Upstream: route.Config.Upstream,
			AuthMode: route.Config.AuthMode(),
			Policy:   encodeProfile(route.Policy),
		})
	}
	return result
}
