package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/tierfetch/tierfetch/internal/metrics"
	"github.com/tierfetch/tierfetch/internal/resource"
)

const (
	// DefaultTimeout 是未配置 UpstreamTimeout 时的整体请求超时。
	DefaultTimeout = 20 * time.Second
	// DefaultUserAgent 在请求未携带 User-Agent 时使用。
	DefaultUserAgent = "tierfetch"
)

var (
	// ErrInvalidURL 表示 URL 无法解析或不是 http/https。
	ErrInvalidURL = errors.New("fetch: invalid url")
	// ErrCacheOnly 表示宿主要求仅使用缓存，拒绝访问网络。
	ErrCacheOnly = errors.New("fetch: host cache mode forbids network")
)

// StatusError 表示上游返回了非 200 状态。
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: upstream status %s", e.Status)
}

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// Options 控制上游客户端的行为。
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Logger    *logrus.Logger
	Metrics   *metrics.Recorder
	// HTTPClient 主要用于测试注入；为空时使用共享 transport。
	HTTPClient *http.Client
}

// Client 执行一次性 GET 并把结果转成 resource.Resource。
type Client struct {
	http      *http.Client
	userAgent string
	logger    *logrus.Logger
	metrics   *metrics.Recorder
	group     singleflight.Group
}

// NewClient 返回带共享 transport 的客户端。
func NewClient(opts Options) *Client {
	timeout := DefaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: defaultTransport.Clone(),
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		http:      httpClient,
		userAgent: userAgent,
		logger:    logger,
		metrics:   opts.Metrics,
	}
}

// Fetch 获取 req 指向的资源。同一缓存键的并发请求只访问一次上游，
// 每个调用方拿到独立的副本。
func (c *Client) Fetch(ctx context.Context, req *resource.Request) (*resource.Resource, error) {
	if req == nil {
		return nil, ErrInvalidURL
	}
	if req.HostCacheMode == resource.HostCacheOnly {
		return nil, ErrCacheOnly
	}
	target, err := validateURL(req.URL)
	if err != nil {
		return nil, err
	}

	val, err, shared := c.group.Do(flightKey(req), func() (interface{}, error) {
		return c.do(ctx, target, req)
	})
	if err != nil {
		return nil, err
	}
	res := val.(*resource.Resource)
	if shared {
		return res.Clone(), nil
	}
	return res, nil
}

// flightKey 只让发往上游的请求完全一致的调用方合并：宿主缓存模式、UA 和请求头都参与分组。
func flightKey(req *resource.Request) string {
	var b strings.Builder
	b.WriteString(req.Key())
	b.WriteByte(0)
	b.WriteString(strconv.Itoa(req.HostCacheMode))
	b.WriteByte(0)
	b.WriteString(strings.TrimSpace(req.UserAgent))
	for _, h := range req.Headers {
		b.WriteByte(0)
		b.WriteString(strings.ToLower(h.Name))
		b.WriteByte(':')
		b.WriteString(h.Value)
	}
	return b.String()
}

// CloseIdleConnections 释放空闲连接，供远端层销毁时调用。
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func (c *Client) do(ctx context.Context, target string, req *resource.Request) (*resource.Resource, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	applyRequestHeaders(httpReq.Header, req.Headers)
	userAgent := strings.TrimSpace(req.UserAgent)
	if userAgent == "" {
		userAgent = c.userAgent
	}
	httpReq.Header.Set("User-Agent", userAgent)
	if req.HostCacheMode == resource.HostCacheNoCache {
		httpReq.Header.Set("Cache-Control", "no-cache")
		httpReq.Header.Set("Pragma", "no-cache")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.metrics.ObserveFetch("error", time.Since(start))
		return nil, fmt.Errorf("fetch: request upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// 丢弃正文以便连接复用。
		_, _ = io.Copy(io.Discard, resp.Body)
		c.metrics.ObserveFetch("status_"+strconv.Itoa(resp.StatusCode), time.Since(start))
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.ObserveFetch("error", time.Since(start))
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	if body == nil {
		body = []byte{}
	}

	elapsed := time.Since(start)
	c.metrics.ObserveFetch("ok", elapsed)
	c.logger.WithFields(logrus.Fields{
		"action":     "upstream_fetch",
		"url":        target,
		"status":     resp.StatusCode,
		"bytes":      len(body),
		"elapsed_ms": elapsed.Milliseconds(),
	}).Debug("upstream_fetched")

	return &resource.Resource{
		OriginBytes:     body,
		ResponseCode:    resp.StatusCode,
		ReasonPhrase:    reasonPhrase(resp),
		ResponseHeaders: collectResponseHeaders(resp.Header),
	}, nil
}

func validateURL(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if (scheme != "http" && scheme != "https") || parsed.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, raw)
	}
	return parsed.String(), nil
}

// reasonPhrase 截取 "200 OK" 中状态码之后的部分。
func reasonPhrase(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	phrase := strings.TrimSpace(strings.TrimPrefix(resp.Status, code))
	if phrase == "" {
		phrase = http.StatusText(resp.StatusCode)
	}
	return phrase
}
