package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tierfetch/tierfetch/internal/resource"
)

func TestFetchReturnsResource(t *testing.T) {
	var gotUA, gotCustom, gotConnection string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCustom = r.Header.Get("X-Custom")
		gotConnection = r.Header.Get("Proxy-Authorization")
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Add("X-Multi", "a")
		w.Header().Add("X-Multi", "b")
		_, _ = w.Write([]byte("body{}"))
	}))
	defer upstream.Close()

	client := NewClient(Options{UserAgent: "test-agent"})
	req := resource.NewRequest(upstream.URL + "/site.css")
	req.Headers.Add("X-Custom", "1")
	req.Headers.Add("Proxy-Authorization", "secret")

	res, err := client.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch 失败: %v", err)
	}
	if string(res.OriginBytes) != "body{}" {
		t.Fatalf("正文不符: %q", res.OriginBytes)
	}
	if res.ResponseCode != http.StatusOK || res.ReasonPhrase != "OK" {
		t.Fatalf("状态不符: %d %q", res.ResponseCode, res.ReasonPhrase)
	}
	if res.ContentType() != "text/css" {
		t.Fatalf("Content-Type 不符: %s", res.ContentType())
	}
	if res.ResponseHeaders.Get("X-Multi") != "a, b" {
		t.Fatalf("多值头应合并: %q", res.ResponseHeaders.Get("X-Multi"))
	}
	if gotUA != "test-agent" {
		t.Fatalf("应使用默认 UA: %q", gotUA)
	}
	if gotCustom != "1" {
		t.Fatalf("普通请求头应透传")
	}
	if gotConnection != "" {
		t.Fatalf("hop-by-hop 头不应透传")
	}
}

func TestFetchPrefersRequestUserAgent(t *testing.T) {
	var gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	req := resource.NewRequest(upstream.URL + "/a.js")
	req.UserAgent = "host-browser"
	if _, err := NewClient(Options{}).Fetch(context.Background(), req); err != nil {
		t.Fatalf("fetch 失败: %v", err)
	}
	if gotUA != "host-browser" {
		t.Fatalf("应使用请求自带 UA: %q", gotUA)
	}
}

func TestFetchNon200ReturnsStatusError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer upstream.Close()

	_, err := NewClient(Options{}).Fetch(context.Background(), resource.NewRequest(upstream.URL+"/x"))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("期望 StatusError，实际: %v", err)
	}
	if statusErr.Code != http.StatusNotModified {
		t.Fatalf("状态码不符: %d", statusErr.Code)
	}
}

func TestFetchRejectsInvalidURL(t *testing.T) {
	client := NewClient(Options{})
	for _, raw := range []string{"ftp://example.com/a", "not a url", "http://"} {
		if _, err := client.Fetch(context.Background(), resource.NewRequest(raw)); !errors.Is(err, ErrInvalidURL) {
			t.Fatalf("%q 应返回 ErrInvalidURL，实际: %v", raw, err)
		}
	}
	if _, err := client.Fetch(context.Background(), nil); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("nil 请求应返回 ErrInvalidURL")
	}
}

func TestFetchHostCacheModes(t *testing.T) {
	var hits int32
	var cacheControl string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		cacheControl = r.Header.Get("Cache-Control")
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	client := NewClient(Options{})
	only := resource.NewRequest(upstream.URL + "/a")
	only.HostCacheMode = resource.HostCacheOnly
	if _, err := client.Fetch(context.Background(), only); !errors.Is(err, ErrCacheOnly) {
		t.Fatalf("仅缓存模式应拒绝访问网络: %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("仅缓存模式不应命中上游")
	}

	noCache := resource.NewRequest(upstream.URL + "/a")
	noCache.HostCacheMode = resource.HostCacheNoCache
	if _, err := client.Fetch(context.Background(), noCache); err != nil {
		t.Fatalf("fetch 失败: %v", err)
	}
	if cacheControl != "no-cache" {
		t.Fatalf("应附带 no-cache: %q", cacheControl)
	}
}

func TestFetchCoalescesConcurrentRequests(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		_, _ = w.Write([]byte("shared"))
	}))
	defer upstream.Close()

	client := NewClient(Options{})
	const callers = 5
	results := make([]*resource.Resource, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := client.Fetch(context.Background(), resource.NewRequest(upstream.URL+"/same"))
			if err != nil {
				t.Errorf("fetch 失败: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&hits); got < 1 || got > callers {
		t.Fatalf("命中次数异常: %d", got)
	}
	for i, res := range results {
		if res == nil || string(res.OriginBytes) != "shared" {
			t.Fatalf("调用方 %d 结果异常", i)
		}
	}
	if results[0] == results[1] && atomic.LoadInt32(&hits) == 1 {
		t.Fatalf("共享结果应按调用方复制")
	}
}

func TestFetchDoesNotCoalesceAcrossCacheModes(t *testing.T) {
	release := make(chan struct{})
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		_, _ = w.Write([]byte("cc=" + r.Header.Get("Cache-Control")))
	}))
	defer upstream.Close()

	client := NewClient(Options{})
	modes := []int{resource.HostCacheDefault, resource.HostCacheNoCache}
	results := make([]*resource.Resource, len(modes))
	var wg sync.WaitGroup
	for i, mode := range modes {
		wg.Add(1)
		go func(i, mode int) {
			defer wg.Done()
			req := resource.NewRequest(upstream.URL + "/same")
			req.HostCacheMode = mode
			res, err := client.Fetch(context.Background(), req)
			if err != nil {
				t.Errorf("fetch 失败: %v", err)
				return
			}
			results[i] = res
		}(i, mode)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("不同缓存模式不应合并，上游命中 %d 次", got)
	}
	if results[0] == nil || string(results[0].OriginBytes) != "cc=" {
		t.Fatalf("默认模式不应带 no-cache")
	}
	if results[1] == nil || string(results[1].OriginBytes) != "cc=no-cache" {
		t.Fatalf("no-cache 模式结果被其它调用方覆盖")
	}
}

func TestFlightKeySeparatesHeaders(t *testing.T) {
	plain := resource.NewRequest("https://example.com/a.css")
	withCookie := resource.NewRequest("https://example.com/a.css")
	withCookie.Headers = resource.Headers{{Name: "Cookie", Value: "sid=1"}}
	noCache := resource.NewRequest("https://example.com/a.css")
	noCache.HostCacheMode = resource.HostCacheNoCache

	if flightKey(plain) == flightKey(withCookie) || flightKey(plain) == flightKey(noCache) {
		t.Fatalf("请求头或缓存模式不同应使用不同分组")
	}
	if flightKey(plain) != flightKey(resource.NewRequest("https://example.com/a.css")) {
		t.Fatalf("相同请求应共用分组")
	}
}

func TestTimeoutFromOptions(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte("late"))
	}))
	defer upstream.Close()

	client := NewClient(Options{Timeout: 20 * time.Millisecond})
	if _, err := client.Fetch(context.Background(), resource.NewRequest(upstream.URL+"/slow")); err == nil {
		t.Fatalf("超时应返回错误")
	}
	client.CloseIdleConnections()
}

func TestIsHopByHopHeader(t *testing.T) {
	if !IsHopByHopHeader("connection") || !IsHopByHopHeader("Transfer-Encoding") {
		t.Fatalf("应识别 hop-by-hop 头")
	}
	if IsHopByHopHeader("Content-Type") {
		t.Fatalf("Content-Type 不是 hop-by-hop 头")
	}
}
