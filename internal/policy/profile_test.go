package policy

import (
	"testing"
	"time"
)

func TestResolvePrecedence(t *testing.T) {
	base := Profile{Key: "static", DefaultTTL: 2 * time.Hour}
	defaults := Defaults{TTL: 24 * time.Hour, StaleWhileRevalidate: time.Minute, StaleIfError: time.Hour, MaxObjectSize: 1024}

	resolved := Resolve(base, Options{Defaults: defaults})
	if resolved.DefaultTTL != 2*time.Hour {
		t.Fatalf("profile ttl should beat global default, got %s", resolved.DefaultTTL)
	}
	if resolved.StaleWhileRevalidate != time.Minute || resolved.StaleIfError != time.Hour {
		t.Fatalf("global stale windows should fill zero profile values: %+v", resolved)
	}
	if resolved.MaxObjectSize != 1024 {
		t.Fatalf("expected global max object size, got %d", resolved.MaxObjectSize)
	}

	resolved = Resolve(base, Options{
		TTLOverride:            5 * time.Minute,
		StaleIfError:           3 * time.Hour,
		MaxObjectSizeOverride:  4096,
		RecomputeVarianceOn304: true,
		Defaults:               defaults,
	})
	if resolved.DefaultTTL != 5*time.Minute {
		t.Fatalf("hub override should win, got %s", resolved.DefaultTTL)
	}
	if resolved.StaleIfError != 3*time.Hour || resolved.MaxObjectSize != 4096 || !resolved.RecomputeVarianceOn304 {
		t.Fatalf("hub overrides not applied: %+v", resolved)
	}
}

func TestResolveFallsBackToFixedTTL(t *testing.T) {
	resolved := Resolve(Profile{Key: "default", StaleIfError: -time.Second}, Options{})
	if resolved.DefaultTTL != FallbackTTL {
		t.Fatalf("expected fallback ttl, got %s", resolved.DefaultTTL)
	}
	if resolved.StaleIfError != 0 {
		t.Fatalf("negative window should clamp to zero")
	}
}

func TestForcesMiss(t *testing.T) {
	resolved := Resolve(Profile{Key: "dynamic", ForceMissPaths: []string{"/latest"}}, Options{ForceMissPaths: []string{" ", "/-/live"}})
	if len(resolved.ForceMissPaths) != 2 {
		t.Fatalf("unexpected force miss paths: %v", resolved.ForceMissPaths)
	}
	if !resolved.ForcesMiss("/latest/index.json") || !resolved.ForcesMiss("/-/live") {
		t.Fatalf("expected force miss match")
	}
	if resolved.ForcesMiss("/pkg/latest") {
		t.Fatalf("prefix match only")
	}
}

func TestCachePolicyCarriesResolvedValues(t *testing.T) {
	resolved := Resolve(Profile{Key: "dynamic", DefaultTTL: time.Minute, RecomputeVarianceOn304: true}, Options{MaxObjectSizeOverride: 10})
	p := resolved.CachePolicy()
	if p.DefaultTTL != time.Minute || p.MaxObjectSize != 10 || !p.RecomputeVarianceOn304 {
		t.Fatalf("unexpected cache policy: %+v", p)
	}
}
