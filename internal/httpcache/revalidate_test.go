package httpcache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyConditional304OnMiss(t *testing.T) {
	result := ApplyConditional(nil, http.StatusNotModified, http.Header{}, getRequest("/x"), time.Now(), Policy{})
	assert.Equal(t, RevalidateUncacheable, result.Kind)
	assert.Equal(t, NoCacheCustom, result.Reason.Kind)
	assert.Equal(t, "304 on miss", result.Reason.String())
}

func TestApplyConditional304RefreshesMeta(t *testing.T) {
	now := time.Now().UTC()
	old := freshMeta(now.Add(-2*time.Hour), time.Hour)
	old.Vary = []string{"Accept-Encoding"}
	old.Variance = "old-variance"

	header := http.Header{}
	header.Set("Cache-Control", "max-age=120")
	header.Set("X-Upstream-Build", "42")
	header.Set("Content-Length", "0")

	result := ApplyConditional(old, http.StatusNotModified, header, getRequest("/x"), now, Policy{})
	require.Equal(t, RevalidateNotModified, result.Kind)
	meta := result.Meta
	assert.Equal(t, now.Add(120*time.Second), meta.FreshUntil)
	assert.Equal(t, now, meta.Updated)
	assert.Equal(t, "42", meta.Header.Get("X-Upstream-Build"))
	assert.Equal(t, "text/plain", meta.Header.Get("Content-Type"))
	assert.Empty(t, meta.Header.Get("Content-Length"))
	assert.Equal(t, `"v1"`, meta.ETag)
	assert.Equal(t, "old-variance", meta.Variance, "variance is inherited by default")
	assert.Equal(t, old.Created, meta.Created)
	assert.True(t, old.FreshUntil.Before(now), "old meta must not be mutated")
}

func TestApplyConditional304RecomputesVarianceWhenEnabled(t *testing.T) {
	now := time.Now()
	old := freshMeta(now.Add(-2*time.Hour), time.Hour)
	old.Vary = []string{"Accept-Encoding"}
	old.Variance = "old-variance"

	header := http.Header{}
	header.Set("Vary", "Accept-Language")
	req := getRequest("/x")
	req.Header.Set("Accept-Language", "en")

	result := ApplyConditional(old, http.StatusNotModified, header, req, now, Policy{RecomputeVarianceOn304: true})
	require.Equal(t, RevalidateNotModified, result.Kind)
	assert.Equal(t, []string{"Accept-Language"}, result.Meta.Vary)
	assert.Equal(t, Variance([]string{"Accept-Language"}, req.Header), result.Meta.Variance)
}

func TestApplyConditional200IsCacheable(t *testing.T) {
	header := http.Header{}
	header.Set("Cache-Control", "max-age=60")
	header.Set("ETag", `"v2"`)

	result := ApplyConditional(freshMeta(time.Now(), 0), http.StatusOK, header, getRequest("/x"), time.Now(), Policy{})
	require.Equal(t, RevalidateCacheable, result.Kind)
	assert.Equal(t, `"v2"`, result.Meta.ETag)
}

func TestApplyConditional5xxWithinStaleIfError(t *testing.T) {
	now := time.Now()
	old := freshMeta(now.Add(-2*time.Hour), time.Hour)
	old.StaleIfError = 2 * time.Hour

	result := ApplyConditional(old, http.StatusBadGateway, http.Header{}, getRequest("/x"), now, Policy{})
	assert.Equal(t, RevalidateServeStale, result.Kind)
	assert.Equal(t, NoCacheResponseUncacheable, result.Reason.Kind)
	assert.Same(t, old, result.Meta)

	old.StaleIfError = 0
	result = ApplyConditional(old, http.StatusBadGateway, http.Header{}, getRequest("/x"), now, Policy{})
	assert.Equal(t, RevalidateUncacheable, result.Kind)
}

func TestApplyConditionalUncacheableResponses(t *testing.T) {
	noStore := http.Header{}
	noStore.Set("Cache-Control", "no-store")
	private := http.Header{}
	private.Set("Cache-Control", "private, max-age=60")
	varyAll := http.Header{}
	varyAll.Set("Vary", "*")

	for name, tc := range map[string]struct {
		status int
		header http.Header
	}{
		"no-store":  {http.StatusOK, noStore},
		"private":   {http.StatusOK, private},
		"vary star": {http.StatusOK, varyAll},
		"partial":   {http.StatusPartialContent, http.Header{}},
		"teapot":    {http.StatusTeapot, http.Header{}},
	} {
		t.Run(name, func(t *testing.T) {
			result := ApplyConditional(nil, tc.status, tc.header, getRequest("/x"), time.Now(), Policy{})
			assert.Equal(t, RevalidateUncacheable, result.Kind)
			assert.Equal(t, NoCacheResponseUncacheable, result.Reason.Kind)
		})
	}
}

func TestConditionalHeadersFromMeta(t *testing.T) {
	header := http.Header{}
	header.Set("If-None-Match", `"client"`)
	ConditionalHeaders(freshMeta(time.Now(), time.Hour), header)
	assert.Equal(t, `"v1"`, header.Get("If-None-Match"))
	assert.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", header.Get("If-Modified-Since"))
}

func TestNotModifiedForClientConditionals(t *testing.T) {
	meta := freshMeta(time.Now(), time.Hour)

	req := getRequest("/x")
	req.Header.Set("If-None-Match", `"other", W/"v1"`)
	assert.True(t, NotModified(req, meta))

	req = getRequest("/x")
	req.Header.Set("If-None-Match", `"other"`)
	assert.False(t, NotModified(req, meta))

	req = getRequest("/x")
	req.Header.Set("If-Modified-Since", "Tue, 03 Jan 2006 15:04:05 GMT")
	assert.True(t, NotModified(req, meta))

	req = getRequest("/x")
	req.Header.Set("If-Modified-Since", "Sun, 01 Jan 2006 15:04:05 GMT")
	assert.False(t, NotModified(req, meta))
}
