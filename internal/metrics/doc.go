// Package metrics declares the Prometheus collectors exported by the cache
// proxy. Collectors register with the default registry at init time so the
// proxy and storage layers can increment them without extra wiring; the
// server package exposes them under /-/metrics.
package metrics
