package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrementPerLabel(t *testing.T) {
	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("metrics-test", "hit"))
	RequestsTotal.WithLabelValues("metrics-test", "hit").Inc()
	RequestsTotal.WithLabelValues("metrics-test", "miss").Inc()

	if got := testutil.ToFloat64(RequestsTotal.WithLabelValues("metrics-test", "hit")); got != before+1 {
		t.Fatalf("expected hit counter %v, got %v", before+1, got)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	NoCacheTotal.WithLabelValues("metrics-test", "too_large").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/-/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `hubcache_no_cache_total{hub="metrics-test",reason="too_large"}`) {
		t.Fatalf("metrics output missing no-cache counter:\n%s", body)
	}
}
