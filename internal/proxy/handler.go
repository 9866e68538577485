package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/hubcache/internal/byterange"
	"github.com/any-hub/hubcache/internal/cache"
	"github.com/any-hub/hubcache/internal/httpcache"
	"github.com/any-hub/hubcache/internal/logging"
	"github.com/any-hub/hubcache/internal/metrics"
	"github.com/any-hub/hubcache/internal/server"
)

// 响应头 X-Hub-Cache-Status 的取值。
const (
	statusHit         = "hit"
	statusStale       = "stale"
	statusRevalidated = "revalidated"
	statusMiss        = "miss"
	statusBypass      = "bypass"
)

// Options 为 NewHandler 的依赖与调优参数，零值字段使用 httpcache 的默认值。
type Options struct {
	Client             *http.Client
	Logger             *logrus.Logger
	Store              cache.Store
	Locks              *httpcache.LockTable
	LookupLoopCap      int
	LockMaxWaits       int
	MaxRanges          int
	UnhealthyThreshold int
}

// Handler 负责 orchestrate “缓存查找 → revalidate → 回源写缓存” 的全流程，
// 对外暴露 Fiber handler，内部复用共享 http.Client、锁表与缓存存储。
type Handler struct {
	client     *http.Client
	logger     *logrus.Logger
	store      cache.Store
	resolver   *httpcache.Resolver
	health     *upstreamHealth
	maxRanges  int
	now        func() time.Time
	background sync.WaitGroup
}

// exchange 汇总单个客户端请求在各阶段共享的状态。
type exchange struct {
	c         fiber.Ctx
	ctx       context.Context
	route     *server.HubRoute
	req       httpcache.Request
	info      forwardInfo
	requestID string
	started   time.Time
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/store.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	maxRanges := opts.MaxRanges
	if maxRanges <= 0 {
		maxRanges = byterange.DefaultMaxRanges
	}
	return &Handler{
		client:    client,
		logger:    logger,
		store:     opts.Store,
		resolver:  httpcache.NewResolver(opts.Store, opts.Locks, opts.LookupLoopCap, opts.LockMaxWaits, logger),
		health:    newUpstreamHealth(opts.UnhealthyThreshold),
		maxRanges: maxRanges,
		now:       time.Now,
	}
}

// Wait 阻塞直到所有后台再验证结束，用于优雅退出与测试。
func (h *Handler) Wait() {
	h.background.Wait()
}

// Handle 执行缓存查找、条件回源和最终 streaming 逻辑，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx, route *server.HubRoute) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	uri := c.Request().URI()
	rawPath := string(uri.Path())
	ex := &exchange{
		c:     c,
		ctx:   httpcache.WithNoCacheTracking(ctx),
		route: route,
		req: httpcache.Request{
			Method: c.Method(),
			URI:    normalizeRequestURI(rawPath, string(uri.QueryString())),
			Host:   strings.ToLower(route.Config.Domain),
			Header: fiberHeadersAsHTTP(c),
		},
		info: forwardInfo{
			host:     c.Hostname(),
			clientIP: c.IP(),
			protocol: c.Protocol(),
			body:     append([]byte(nil), c.Body()...),
		},
		requestID: server.RequestID(c),
		started:   time.Now(),
	}

	if reason, ok := ex.req.Cacheable(); !ok {
		httpcache.MarkNoCache(ex.ctx, reason)
		return h.bypass(ex)
	}

	key := httpcache.NewKey(route.Namespace(), ex.req)
	res := h.resolver.Resolve(ex.ctx, key, ex.req, httpcache.ResolveOptions{
		ForceMiss:       route.Policy.ForcesMiss(rawPath),
		UpstreamHealthy: h.health.Healthy(route.Config.Name),
	})
	if !res.BackgroundRevalidate {
		defer res.Lock.Release()
	}
	if res.Waits > 0 {
		metrics.LockWaitsTotal.WithLabelValues(route.Config.Name).Add(float64(res.Waits))
	}
	if !res.NoCache.IsZero() {
		httpcache.MarkNoCache(ex.ctx, res.NoCache)
	}

	switch res.Action {
	case httpcache.ActionServe:
		if res.BackgroundRevalidate {
			h.revalidateInBackground(route, ex.req, ex.info, res.Key, res.Hit.Meta.Clone(), res.Lock)
		}
		label := statusHit
		if res.Status.Kind != httpcache.HitFresh {
			label = statusStale
		}
		return h.serveHit(ex, res.Hit, res.Hit.Meta, label)
	case httpcache.ActionRevalidate:
		return h.revalidate(ex, res)
	default:
		return h.fetchAndStream(ex, res.Key, res.Lock)
	}
}

// serveHit 从缓存返回正文，处理客户端条件请求与 Range。
func (h *Handler) serveHit(ex *exchange, hit *cache.Hit, meta *cache.Meta, label string) error {
	defer hit.Body.Close()
	c := ex.c
	now := h.now()

	out := meta.Header.Clone()
	if out == nil {
		out = http.Header{}
	}
	out.Set("Age", strconv.FormatInt(int64(meta.Age(now)/time.Second), 10))

	if httpcache.NotModified(ex.req, meta) {
		for _, name := range []string{"Content-Length", "Content-Type", "Content-Encoding", "Content-Range"} {
			out.Del(name)
		}
		h.writeHeaders(ex, out, label, "")
		c.Status(fiber.StatusNotModified)
		h.logResult(ex, "", fiber.StatusNotModified, label, nil)
		return nil
	}

	total := hit.Size
	status := meta.Status
	n := byterange.Negotiation{Kind: byterange.None}
	if status == http.StatusOK {
		out.Set("Accept-Ranges", "bytes")
		n = byterange.Negotiate(ex.req.Header, out, total, h.maxRanges)
	}
	contentType := out.Get("Content-Type")
	out.Set("Content-Length", strconv.FormatInt(total, 10))
	status = byterange.Rewrite(status, out, n, total)

	h.writeHeaders(ex, out, label, "")
	c.Status(status)

	if ex.req.Method == http.MethodHead || n.Kind == byterange.Invalid {
		h.logResult(ex, "", status, label, nil)
		return nil
	}

	body := c.Response().BodyWriter()
	var err error
	seeked := false
	if n.Kind == byterange.Single && hit.Body.CanSeek() {
		spec := n.Ranges[0]
		err = hit.Body.Seek(spec.Start, spec.End)
		seeked = err == nil
		if errors.Is(err, cache.ErrSeekUnsupported) {
			err = nil
		}
	}
	if seeked {
		err = copyBody(body, hit.Body)
	} else if err == nil {
		w := byterange.NewWriter(body, byterange.NewFilter(n, contentType, total))
		if err = copyBody(w, hit.Body); err == nil {
			err = w.Close()
		}
	}
	h.logResult(ex, "", status, label, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("read cache failed: %v", err))
	}
	return nil
}

// revalidate 带条件头回源，304 刷新元数据后返回缓存正文，200 覆盖写入。
func (h *Handler) revalidate(ex *exchange, res httpcache.Resolution) error {
	route := ex.route
	stale := res.Hit
	metrics.UpstreamFetchesTotal.WithLabelValues(route.Config.Name, "revalidate").Inc()

	resp, upstreamURL, err := h.forward(ex.ctx, route, ex.req, ex.info, true, stale.Meta)
	h.health.Record(route.Config.Name, statusOf(resp), err)
	now := h.now()
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues(route.Config.Name).Inc()
		res.Lock.Release()
		if stale.Meta.CanServeStaleIfError(now) {
			h.logger.WithError(err).WithFields(logrus.Fields{
				"hub":       route.Config.Name,
				"cache_key": res.Key.String(),
			}).Warn("cache_revalidate_failed")
			return h.serveHit(ex, stale, stale.Meta, statusStale)
		}
		stale.Body.Close()
		h.logResult(ex, upstreamURL.String(), 0, statusMiss, err)
		return h.writeError(ex.c, fiber.StatusBadGateway, "upstream_failed")
	}

	rv := httpcache.ApplyConditional(stale.Meta, resp.StatusCode, resp.Header, ex.req, now, route.Policy.CachePolicy())
	switch rv.Kind {
	case httpcache.RevalidateNotModified:
		resp.Body.Close()
		if err := h.store.UpdateMeta(ex.ctx, res.Key, rv.Meta); err != nil {
			h.logger.WithError(err).WithField("cache_key", res.Key.String()).Warn("cache_update_meta_failed")
			httpcache.MarkNoCache(ex.ctx, httpcache.NoCacheReason{Kind: httpcache.NoCacheStorageError, Detail: err.Error()})
			res.Lock.Release()
		} else {
			res.Lock.Publish(httpcache.LockFilled)
		}
		return h.serveHit(ex, stale, rv.Meta, statusRevalidated)

	case httpcache.RevalidateServeStale:
		resp.Body.Close()
		res.Lock.Release()
		httpcache.MarkNoCache(ex.ctx, rv.Reason)
		return h.serveHit(ex, stale, stale.Meta, statusStale)

	case httpcache.RevalidateUncacheable:
		stale.Body.Close()
		defer resp.Body.Close()
		httpcache.MarkNoCache(ex.ctx, rv.Reason)
		if resp.StatusCode < http.StatusInternalServerError {
			if err := h.store.Remove(ex.ctx, res.Key); err != nil {
				h.logger.WithError(err).WithField("cache_key", res.Key.String()).Warn("cache_remove_failed")
			}
		}
		res.Lock.Release()
		return h.streamUpstream(ex, resp, upstreamURL, res.Key, nil, nil, true, statusMiss)

	default:
		stale.Body.Close()
		defer resp.Body.Close()
		return h.streamUpstream(ex, resp, upstreamURL, res.Key, rv.Meta, res.Lock, true, statusMiss)
	}
}

// fetchAndStream 处理缓存未命中：回源并在持有写锁时同步写入缓存。
func (h *Handler) fetchAndStream(ex *exchange, key cache.Key, lock *httpcache.Lock) error {
	route := ex.route
	metrics.UpstreamFetchesTotal.WithLabelValues(route.Config.Name, "miss").Inc()

	resp, upstreamURL, err := h.forward(ex.ctx, route, ex.req, ex.info, true, nil)
	h.health.Record(route.Config.Name, statusOf(resp), err)
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues(route.Config.Name).Inc()
		lock.Release()
		h.logResult(ex, upstreamURL.String(), 0, statusMiss, err)
		return h.writeError(ex.c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	var meta *cache.Meta
	if lock != nil {
		if reason, ok := httpcache.ResponseCacheable(resp.StatusCode, resp.Header); ok {
			meta = httpcache.NewMeta(resp.StatusCode, resp.Header, ex.req, h.now(), route.Policy.CachePolicy())
		} else {
			httpcache.MarkNoCache(ex.ctx, reason)
		}
	}
	return h.streamUpstream(ex, resp, upstreamURL, key, meta, lock, true, statusMiss)
}

// bypass 直接透传不可缓存的请求；成功的写操作会使同 URI 的缓存失效。
func (h *Handler) bypass(ex *exchange) error {
	route := ex.route
	metrics.UpstreamFetchesTotal.WithLabelValues(route.Config.Name, "bypass").Inc()

	resp, upstreamURL, err := h.forward(ex.ctx, route, ex.req, ex.info, false, nil)
	h.health.Record(route.Config.Name, statusOf(resp), err)
	if err != nil {
		metrics.UpstreamErrorsTotal.WithLabelValues(route.Config.Name).Inc()
		h.logResult(ex, upstreamURL.String(), 0, statusBypass, err)
		return h.writeError(ex.c, fiber.StatusBadGateway, "upstream_failed")
	}
	defer resp.Body.Close()

	if isUnsafeMethod(ex.req.Method) && resp.StatusCode < http.StatusBadRequest {
		h.invalidate(ex)
	}
	return h.streamUpstream(ex, resp, upstreamURL, cache.Key{}, nil, nil, false, statusBypass)
}

// streamUpstream 把上游响应写给客户端。meta 与 lock 同时非空时经 MissWriter 写入缓存；
// fill 为 true 时由代理自行协商 Range。
func (h *Handler) streamUpstream(
	ex *exchange,
	resp *http.Response,
	upstreamURL fmt.Stringer,
	key cache.Key,
	meta *cache.Meta,
	lock *httpcache.Lock,
	fill bool,
	label string,
) error {
	defer lock.Release()
	if meta == nil {
		lock.Release()
	}
	c := ex.c

	out := http.Header{}
	server.CopyHeaders(out, resp.Header)
	total := resp.ContentLength
	n := byterange.Negotiation{Kind: byterange.None}
	if fill && resp.StatusCode == http.StatusOK {
		if total >= 0 {
			out.Set("Accept-Ranges", "bytes")
		}
		n = byterange.Negotiate(ex.req.Header, out, total, h.maxRanges)
	}
	contentType := out.Get("Content-Type")
	if total >= 0 {
		out.Set("Content-Length", strconv.FormatInt(total, 10))
	}
	status := byterange.Rewrite(resp.StatusCode, out, n, total)

	h.writeHeaders(ex, out, label, upstreamURL.String())
	c.Status(status)

	filtered := byterange.NewWriter(c.Response().BodyWriter(), byterange.NewFilter(n, contentType, total))
	var downstream io.Writer = filtered
	if ex.req.Method == http.MethodHead {
		downstream = io.Discard
	}

	var writer *httpcache.MissWriter
	if meta != nil && lock != nil {
		var reason httpcache.NoCacheReason
		writer, reason = httpcache.BeginMiss(ex.ctx, httpcache.MissOptions{
			Store:      h.store,
			Key:        key,
			Meta:       meta,
			Lock:       lock,
			MaxSize:    ex.route.Policy.MaxObjectSize,
			Downstream: downstream,
			Logger:     h.logger,
		})
		if writer == nil {
			httpcache.MarkNoCache(ex.ctx, reason)
		} else {
			defer writer.Close()
		}
	}

	err := pump(ex.ctx, resp, writer, downstream)
	if writer != nil && !writer.Reason().IsZero() {
		httpcache.MarkNoCache(ex.ctx, writer.Reason())
	}
	if err == nil && downstream == io.Writer(filtered) {
		err = filtered.Close()
	}
	h.logResult(ex, upstreamURL.String(), resp.StatusCode, label, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// pump 消费上游事件流。writer 非空时经其写入客户端与缓存，否则只写 downstream。
func pump(ctx context.Context, resp *http.Response, writer *httpcache.MissWriter, downstream io.Writer) error {
	stream := httpcache.NewTaskStream(resp, 0)
	for {
		task := stream.Next(ctx)
		switch task.Kind {
		case httpcache.TaskHeader:
			if task.EndOfStream && writer != nil {
				if err := writer.WriteChunk(nil, true); err != nil {
					return err
				}
			}
		case httpcache.TaskBody:
			var err error
			if writer != nil {
				err = writer.WriteChunk(task.Body, task.EndOfStream)
			} else if len(task.Body) > 0 {
				_, err = downstream.Write(task.Body)
			}
			if err != nil {
				return err
			}
		case httpcache.TaskTrailer:
		case httpcache.TaskFailed:
			if writer != nil {
				writer.Fail(task.Err)
			}
			return task.Err
		default:
			return nil
		}
	}
}

// revalidateInBackground 在 stale-while-revalidate 窗口内异步刷新对象，lock 为已持有的写锁。
func (h *Handler) revalidateInBackground(
	route *server.HubRoute,
	req httpcache.Request,
	info forwardInfo,
	key cache.Key,
	meta *cache.Meta,
	lock *httpcache.Lock,
) {
	req.Header = req.Header.Clone()
	info.body = nil
	fields := logrus.Fields{
		"action":    "background_revalidate",
		"hub":       route.Config.Name,
		"cache_key": key.String(),
	}

	h.background.Add(1)
	go func() {
		defer h.background.Done()
		defer lock.Release()

		ctx := context.Background()
		metrics.UpstreamFetchesTotal.WithLabelValues(route.Config.Name, "background").Inc()
		resp, _, err := h.forward(ctx, route, req, info, true, meta)
		h.health.Record(route.Config.Name, statusOf(resp), err)
		if err != nil {
			metrics.UpstreamErrorsTotal.WithLabelValues(route.Config.Name).Inc()
			h.logger.WithFields(fields).WithError(err).Warn("background_revalidate_failed")
			return
		}
		defer resp.Body.Close()

		rv := httpcache.ApplyConditional(meta, resp.StatusCode, resp.Header, req, h.now(), route.Policy.CachePolicy())
		switch rv.Kind {
		case httpcache.RevalidateNotModified:
			if err := h.store.UpdateMeta(ctx, key, rv.Meta); err != nil {
				h.logger.WithFields(fields).WithError(err).Warn("cache_update_meta_failed")
				return
			}
			lock.Publish(httpcache.LockFilled)
		case httpcache.RevalidateCacheable:
			writer, reason := httpcache.BeginMiss(ctx, httpcache.MissOptions{
				Store:      h.store,
				Key:        key,
				Meta:       rv.Meta,
				Lock:       lock,
				MaxSize:    route.Policy.MaxObjectSize,
				Downstream: io.Discard,
				Logger:     h.logger,
			})
			if writer == nil {
				h.logger.WithFields(logging.NoCacheFields(fields, reason)).Debug("background_revalidate_skipped")
				return
			}
			defer writer.Close()
			if err := pump(ctx, resp, writer, io.Discard); err != nil {
				h.logger.WithFields(fields).WithError(err).Warn("background_revalidate_failed")
				return
			}
		default:
			h.logger.WithFields(logging.NoCacheFields(fields, rv.Reason)).Debug("background_revalidate_skipped")
			return
		}
		h.logger.WithFields(fields).WithField("upstream_status", resp.StatusCode).Debug("background_revalidate_complete")
	}()
}

// invalidate 删除同 URI 的 GET 条目；带 Vary 的对象同时删除当前请求对应的 variant。
func (h *Handler) invalidate(ex *exchange) {
	get := ex.req
	get.Method = http.MethodGet
	key := httpcache.NewKey(ex.route.Namespace(), get)

	hit, err := h.store.Lookup(ex.ctx, key)
	if err == nil {
		if hit.Meta.HasVary() {
			variant := key.WithVariance(httpcache.Variance(hit.Meta.Vary, ex.req.Header))
			if err := h.store.Remove(ex.ctx, variant); err != nil {
				h.logger.WithError(err).WithField("cache_key", variant.String()).Warn("cache_remove_failed")
			}
		}
		hit.Body.Close()
	}
	if err := h.store.Remove(ex.ctx, key); err != nil {
		h.logger.WithError(err).WithField("cache_key", key.String()).Warn("cache_remove_failed")
	}
}

func (h *Handler) writeHeaders(ex *exchange, out http.Header, label, upstream string) {
	header := &ex.c.Response().Header
	for key, values := range out {
		if server.IsHopByHopHeader(key) {
			continue
		}
		header.Del(key)
		for _, value := range values {
			header.Add(key, value)
		}
	}
	ex.c.Set("X-Hub-Cache-Status", label)
	ex.c.Set("X-Hub-Cache-Hit", strconv.FormatBool(isHitLabel(label)))
	if upstream != "" {
		ex.c.Set("X-Hub-Cache-Upstream", upstream)
	}
	if ex.requestID != "" {
		ex.c.Set("X-Request-ID", ex.requestID)
	}
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(ex *exchange, upstream string, status int, label string, err error) {
	route := ex.route
	reason, _ := httpcache.NoCacheFrom(ex.ctx)
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Config.AuthMode(),
		route.Policy.Key,
		label,
		isHitLabel(label),
	)
	logging.NoCacheFields(fields, reason)
	fields["action"] = "proxy"
	fields["method"] = ex.req.Method
	fields["uri"] = ex.req.URI
	if upstream != "" {
		fields["upstream"] = upstream
	}
	fields["upstream_status"] = status
	fields["elapsed_ms"] = time.Since(ex.started).Milliseconds()
	if ex.requestID != "" {
		fields["request_id"] = ex.requestID
	}

	metrics.RequestsTotal.WithLabelValues(route.Config.Name, label).Inc()
	if !reason.IsZero() {
		metrics.NoCacheTotal.WithLabelValues(route.Config.Name, reason.Label()).Inc()
	}

	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func (h *Handler) logAuthRetry(route *server.HubRoute, upstream string, status int) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		route.Config.AuthMode(),
		route.Policy.Key,
		"",
		false,
	)
	fields["action"] = "proxy_retry"
	fields["upstream"] = upstream
	fields["upstream_status"] = status
	fields["reason"] = "auth_retry"
	h.logger.WithFields(fields).Warn("proxy_auth_retry")
}

func copyBody(dst io.Writer, body cache.BodyHandle) error {
	for {
		chunk, err := body.ReadChunk()
		if len(chunk) > 0 {
			if _, werr := dst.Write(chunk); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func isHitLabel(label string) bool {
	return label == statusHit || label == statusStale || label == statusRevalidated
}

func isUnsafeMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
