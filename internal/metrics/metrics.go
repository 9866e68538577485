package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal 按 hub 与缓存状态（hit/stale/miss/revalidated/bypass）统计请求。
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_requests_total",
		Help: "The total number of proxied requests by hub and cache status",
	}, []string{"hub", "cache_status"})

	// NoCacheTotal 统计未写入缓存的响应及原因。
	NoCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_no_cache_total",
		Help: "The total number of responses that were not stored, by reason",
	}, []string{"hub", "reason"})

	LockWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_lock_waits_total",
		Help: "The total number of times a request waited on an in-flight fill",
	}, []string{"hub"})

	// UpstreamFetchesTotal 的 kind 取值为 miss、revalidate、background、bypass。
	UpstreamFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_upstream_fetches_total",
		Help: "The total number of upstream requests issued by kind",
	}, []string{"hub", "kind"})

	UpstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubcache_upstream_errors_total",
		Help: "The total number of failed upstream requests",
	}, []string{"hub"})

	PurgedObjectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hubcache_purged_objects_total",
		Help: "The total number of expired objects removed by the purge loop",
	})
)

// Handler 返回 Prometheus 文本格式的抓取端点。
func Handler() http.Handler {
	return promhttp.Handler()
}
