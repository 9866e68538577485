package routes

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/hubcache/internal/config"
	"github.com/any-hub/hubcache/internal/policy"
	"github.com/any-hub/hubcache/internal/server"
)

func TestEncodeProfilesSorted(t *testing.T) {
	encoded := encodeProfiles([]policy.Profile{
		{Key: "b", DefaultTTL: time.Hour},
		{Key: "a", DefaultTTL: time.Minute, StaleIfError: 10 * time.Second},
	})
	if len(encoded) != 2 {
		t.Fatalf("expected 2 profiles, got %d", len(encoded))
	}
	if encoded[0].Key != "a" || encoded[0].TTLSeconds != 60 || encoded[0].StaleIfErrorSec != 10 {
		t.Fatalf("unexpected first profile: %+v", encoded[0])
	}
	if encoded[1].TTLSeconds != 3600 {
		t.Fatalf("unexpected ttl: %d", encoded[1].TTLSeconds)
	}
}

func TestDiagnosticsEndpoints(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000, CacheTTL: config.Duration(time.Hour)},
		Hubs: []config.HubConfig{
			{Name: "npm", Domain: "npm.local", Upstream: "https://registry.npmjs.org", Profile: "static"},
		},
	}
	registry, err := server.NewHubRegistry(cfg)
	if err != nil {
		t.Fatalf("registry error: %v", err)
	}
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      server.ProxyHandlerFunc(func(c fiber.Ctx, _ *server.HubRoute) error { return c.SendStatus(fiber.StatusTeapot) }),
		ListenPort: 5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	RegisterDiagnosticsRoutes(app, registry)

	resp, err := app.Test(httptest.NewRequest("GET", "http://localhost/-/hubs", nil))
	if err != nil {
		t.Fatalf("hubs request failed: %v", err)
	}
	var hubs struct {
		Hubs []hubBindingPayload `json:"hubs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&hubs); err != nil {
		t.Fatalf("decode hubs: %v", err)
	}
	if len(hubs.Hubs) != 1 || hubs.Hubs[0].Policy.Key != "static" || hubs.Hubs[0].AuthMode != "anonymous" {
		t.Fatalf("unexpected hubs payload: %+v", hubs)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "http://localhost/-/profiles/dynamic", nil))
	if err != nil {
		t.Fatalf("profile request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "http://localhost/-/profiles/missing", nil))
	if err != nil {
		t.Fatalf("profile request failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, err = app.Test(httptest.NewRequest("GET", "http://localhost/-/metrics", nil))
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics endpoint should expose default collectors")
	}
}
