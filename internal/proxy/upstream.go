package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/any-hub/hubcache/internal/cache"
	"github.com/any-hub/hubcache/internal/httpcache"
	"github.com/any-hub/hubcache/internal/server"
)

// forwardInfo 保存构造上游请求所需的客户端信息，脱离 fiber.Ctx 后仍可使用（后台刷新）。
type forwardInfo struct {
	host     string
	clientIP string
	protocol string
	body     []byte
}

// 回源填充缓存时不转发的客户端头：区间与条件请求由代理自行处理。
var fillStrippedHeaders = []string{
	"Range",
	"If-Range",
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
}

// forward 向上游发送请求。fill 为 true 时代表缓存填充：HEAD 改为 GET，
// 移除客户端的区间/条件头；meta 非空时附带条件头用于再验证。
func (h *Handler) forward(
	ctx context.Context,
	route *server.HubRoute,
	req httpcache.Request,
	info forwardInfo,
	fill bool,
	meta *cache.Meta,
) (*http.Response, *url.URL, error) {
	upstreamURL := resolveUpstreamURL(route.UpstreamURL, req.URI)

	method := req.Method
	var body []byte
	if fill {
		method = http.MethodGet
	} else {
		body = info.body
	}

	build := func(overrideAuth string) (*http.Request, error) {
		upstreamReq, err := buildUpstreamRequest(ctx, upstreamURL, route, method, body, req.Header, info, overrideAuth)
		if err != nil {
			return nil, err
		}
		if fill {
			for _, name := range fillStrippedHeaders {
				upstreamReq.Header.Del(name)
			}
		}
		if meta != nil {
			httpcache.ConditionalHeaders(meta, upstreamReq.Header)
		}
		return upstreamReq, nil
	}

	upstreamReq, err := build("")
	if err != nil {
		return nil, upstreamURL, err
	}
	resp, err := h.doRequest(upstreamReq, route)
	if err != nil {
		return nil, upstreamURL, err
	}
	if !shouldRetryAuth(route, resp.StatusCode) {
		return resp, upstreamURL, nil
	}

	challenge, ok := parseBearerChallenge(resp.Header.Values("Www-Authenticate"))
	h.logAuthRetry(route, upstreamURL.String(), resp.StatusCode)
	resp.Body.Close()

	overrideAuth := ""
	if ok {
		token, err := h.fetchBearerToken(ctx, challenge, route)
		if err != nil {
			return nil, upstreamURL, err
		}
		overrideAuth = "Bearer " + token
	}
	upstreamReq, err = build(overrideAuth)
	if err != nil {
		return nil, upstreamURL, err
	}
	resp, err = h.doRequest(upstreamReq, route)
	return resp, upstreamURL, err
}

func buildUpstreamRequest(
	ctx context.Context,
	upstream *url.URL,
	route *server.HubRoute,
	method string,
	body []byte,
	clientHeader http.Header,
	info forwardInfo,
	overrideAuth string,
) (*http.Request, error) {
	var reader io.Reader = http.NoBody
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, upstream.String(), reader)
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, clientHeader)
	req.Header.Del("Accept-Encoding")
	req.Header.Del("Authorization")
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	if info.host != "" {
		req.Header.Set("X-Forwarded-Host", info.host)
	}
	if info.clientIP != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+info.clientIP)
		} else {
			req.Header.Set("X-Forwarded-For", info.clientIP)
		}
	}
	if info.protocol != "" {
		req.Header.Set("X-Forwarded-Proto", info.protocol)
	}
	req.Header.Set("X-Forwarded-Port", routePort(route))

	if overrideAuth != "" {
		req.Header.Set("Authorization", overrideAuth)
	} else if authHeader := buildCredentialHeader(route.Config.Username, route.Config.Password); authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	} else if auth := clientHeader.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	return req, nil
}

func (h *Handler) doRequest(req *http.Request, route *server.HubRoute) (*http.Response, error) {
	if route.ProxyURL == nil {
		return h.client.Do(req)
	}
	transport := http.Transport{}
	if base, ok := h.client.Transport.(*http.Transport); ok && base != nil {
		transport = *base.Clone()
	}
	transport.Proxy = http.ProxyURL(route.ProxyURL)
	client := *h.client
	client.Transport = &transport
	return client.Do(req)
}

// normalizeRequestURI 清理路径并保留原始查询串，作为缓存键与上游地址的共同来源。
func normalizeRequestURI(rawPath, rawQuery string) string {
	if rawPath == "" {
		rawPath = "/"
	}
	clean := path.Clean("/" + rawPath)
	if strings.HasSuffix(rawPath, "/") && clean != "/" {
		clean += "/"
	}
	if rawQuery == "" {
		return clean
	}
	return clean + "?" + rawQuery
}

func resolveUpstreamURL(base *url.URL, requestURI string) *url.URL {
	pathPart, rawQuery, _ := strings.Cut(requestURI, "?")
	relative := &url.URL{Path: pathPart, RawPath: pathPart, RawQuery: rawQuery}
	if base.Path != "" && base.Path != "/" {
		joined := *base
		joined.Path = strings.TrimSuffix(base.Path, "/") + pathPart
		joined.RawPath = ""
		joined.RawQuery = rawQuery
		return &joined
	}
	return base.ResolveReference(relative)
}

func routePort(route *server.HubRoute) string {
	if route == nil || route.ListenPort <= 0 {
		return "0"
	}
	return fmt.Sprintf("%d", route.ListenPort)
}

type bearerChallenge struct {
	Realm   string
	Service string
	Scope   string
}

func parseBearerChallenge(values []string) (bearerChallenge, bool) {
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(raw), "bearer ") {
			continue
		}
		params := parseAuthParams(raw[len("Bearer "):])
		challenge := bearerChallenge{
			Realm:   params["realm"],
			Service: params["service"],
			Scope:   params["scope"],
		}
		if challenge.Realm == "" {
			continue
		}
		return challenge, true
	}
	return bearerChallenge{}, false
}

func parseAuthParams(input string) map[string]string {
	params := make(map[string]string)
	for _, part := range strings.Split(input, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		params[key] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
	}
	return params
}

func (h *Handler) fetchBearerToken(ctx context.Context, challenge bearerChallenge, route *server.HubRoute) (string, error) {
	if challenge.Realm == "" {
		return "", errors.New("bearer realm missing")
	}
	tokenURL, err := url.Parse(challenge.Realm)
	if err != nil {
		return "", fmt.Errorf("invalid bearer realm: %w", err)
	}
	query := tokenURL.Query()
	if challenge.Service != "" {
		query.Set("service", challenge.Service)
	}
	if challenge.Scope != "" {
		query.Set("scope", challenge.Scope)
	}
	tokenURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return "", err
	}
	if route.Config.HasCredentials() {
		req.SetBasicAuth(route.Config.Username, route.Config.Password)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("token request failed: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokenResp struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	token := tokenResp.Token
	if token == "" {
		token = tokenResp.AccessToken
	}
	if token == "" {
		return "", errors.New("token response missing token value")
	}
	return token, nil
}

func buildCredentialHeader(username, password string) string {
	if username == "" || password == "" {
		return ""
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}

func shouldRetryAuth(route *server.HubRoute, status int) bool {
	return route != nil && route.Config.HasCredentials() && isAuthFailure(status)
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusTooManyRequests
}
