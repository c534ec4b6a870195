package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tierfetch/tierfetch/internal/fetch"
	"github.com/tierfetch/tierfetch/internal/metrics"
	"github.com/tierfetch/tierfetch/internal/mimefilter"
	"github.com/tierfetch/tierfetch/internal/pipeline"
	"github.com/tierfetch/tierfetch/internal/resource"
	"github.com/tierfetch/tierfetch/internal/tier"
)

type countingDestroyer struct {
	destroyed int
}

func (c *countingDestroyer) Load(chain *pipeline.Chain) *resource.Resource {
	return chain.Process(chain.Request())
}

func (c *countingDestroyer) Destroy() {
	c.destroyed++
}

// funcDestroyer 是不可比较的拦截器类型。
type funcDestroyer struct {
	load    func(*pipeline.Chain) *resource.Resource
	counter *int
}

func (f funcDestroyer) Load(chain *pipeline.Chain) *resource.Resource {
	return f.load(chain)
}

func (f funcDestroyer) Destroy() {
	*f.counter++
}

// wrappedDestroyer 的类型可比较，但字段里装的是 func，比较时会 panic。
type wrappedDestroyer struct {
	inner   pipeline.Interceptor
	counter *int
}

func (w wrappedDestroyer) Load(chain *pipeline.Chain) *resource.Resource {
	return w.inner.Load(chain)
}

func (w wrappedDestroyer) Destroy() {
	*w.counter++
}

func staticResource(body, contentType string) *resource.Resource {
	return &resource.Resource{
		OriginBytes:     []byte(body),
		ResponseCode:    200,
		ReasonPhrase:    "OK",
		ResponseHeaders: resource.Headers{{Name: "Content-Type", Value: contentType}},
	}
}

func TestForceModeEndToEnd(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		_, _ = w.Write([]byte("body{color:red}"))
	}))
	defer upstream.Close()

	rec := metrics.NewRecorder(nil)
	filter := mimefilter.New(mimefilter.PolicyRetain, []string{"text/css"})
	client := fetch.NewClient(fetch.Options{Metrics: rec})
	memory := tier.NewMemory(tier.MemoryOptions{MaxSize: 1 << 20, Filter: filter, Metrics: rec})
	disk := tier.NewDisk(tier.DiskOptions{Dir: t.TempDir(), Version: 1, MaxSize: 1 << 20, Filter: filter, Metrics: rec})
	manager := NewManager(Options{
		Mode:          ModeForce,
		Memory:        memory,
		Disk:          disk,
		ForceRemote:   tier.NewForceRemote(client, tier.RemoteOptions{Metrics: rec}),
		DefaultRemote: tier.NewDefaultRemote(client, tier.RemoteOptions{Metrics: rec}),
		Filter:        filter,
		Metrics:       rec,
	})
	defer manager.Destroy()

	req := resource.NewRequest(upstream.URL + "/site.css")
	req.ForceMode = true

	for i := 0; i < 3; i++ {
		resp := manager.Load(context.Background(), req)
		require.NotNil(t, resp)
		require.Equal(t, "text/css", resp.MimeType)
		require.Equal(t, "utf-8", resp.Encoding)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, "body{color:red}", string(body))
	}

	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "upstream should be fetched once")
	require.Equal(t, 1, memory.Len())

	store, err := disk.Store()
	require.NoError(t, err)
	n, err := store.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// 清空内存后由磁盘层提供。
	memory.Destroy()
	resp := manager.Load(context.Background(), req)
	require.NotNil(t, resp)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
	require.Equal(t, 1, memory.Len(), "disk hit should repopulate memory")
}

func TestParallelLoadSharesTiers(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("/*" + r.URL.Path + "*/"))
	}))
	defer upstream.Close()

	filter := mimefilter.New(mimefilter.PolicyRetain, []string{"text/css"})
	client := fetch.NewClient(fetch.Options{})
	memory := tier.NewMemory(tier.MemoryOptions{MaxSize: 1 << 20, Filter: filter})
	disk := tier.NewDisk(tier.DiskOptions{Dir: t.TempDir(), Version: 1, MaxSize: 1 << 20, Filter: filter})
	manager := NewManager(Options{
		Mode:          ModeForce,
		Memory:        memory,
		Disk:          disk,
		ForceRemote:   tier.NewForceRemote(client, tier.RemoteOptions{}),
		DefaultRemote: tier.NewDefaultRemote(client, tier.RemoteOptions{}),
		Filter:        filter,
	})
	defer manager.Destroy()

	// 首次构建列表、同 key 的磁盘编辑以及内存写入都在并发下发生
	const workers = 24
	var wg sync.WaitGroup
	errs := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := fmt.Sprintf("/s%d.css", i%4)
			req := resource.NewRequest(upstream.URL + path)
			req.ForceMode = true
			resp := manager.Load(context.Background(), req)
			if resp == nil {
				errs <- path + ": nil response"
				return
			}
			body, err := io.ReadAll(resp.Body)
			if err != nil || string(body) != "/*"+path+"*/" {
				errs <- fmt.Sprintf("%s: body %q err %v", path, body, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}

	require.Equal(t, 4, memory.Len())
	store, err := disk.Store()
	require.NoError(t, err)
	n, err := store.Len(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestDefaultModeListUsesDefaultRemote(t *testing.T) {
	var forceCalls, defaultCalls int
	manager := NewManager(Options{
		Mode: ModeForce,
		ForceRemote: pipeline.InterceptorFunc(func(chain *pipeline.Chain) *resource.Resource {
			forceCalls++
			return staticResource("f", "text/html")
		}),
		DefaultRemote: pipeline.InterceptorFunc(func(chain *pipeline.Chain) *resource.Resource {
			defaultCalls++
			return staticResource("d", "text/html")
		}),
	})

	req := resource.NewRequest("https://example.com/")
	req.ForceMode = false
	resp := manager.Load(context.Background(), req)
	require.NotNil(t, resp)
	require.Equal(t, 0, forceCalls)
	require.Equal(t, 1, defaultCalls)
}

func TestLoadReturnsNilWhenBypassed(t *testing.T) {
	called := 0
	remote := pipeline.InterceptorFunc(func(chain *pipeline.Chain) *resource.Resource {
		called++
		return staticResource("x", "text/html")
	})
	manager := NewManager(Options{Mode: ModeDefault, ForceRemote: remote, DefaultRemote: remote})

	req := resource.NewRequest("https://example.com/")
	req.ForceMode = true
	require.Nil(t, manager.Load(context.Background(), req), "disabled mode should bypass")
	require.Nil(t, manager.Load(context.Background(), nil))

	manager.SetCacheMode(ModeForce)
	require.Equal(t, ModeForce, manager.CacheMode())

	post := resource.NewRequest("https://example.com/")
	post.Method = http.MethodPost
	post.ForceMode = true
	require.Nil(t, manager.Load(context.Background(), post), "non-GET should bypass")

	ftp := resource.NewRequest("ftp://example.com/file")
	ftp.ForceMode = true
	require.Nil(t, manager.Load(context.Background(), ftp), "non-http scheme should bypass")
	require.Equal(t, 0, called)

	require.NotNil(t, manager.Load(context.Background(), req))
	require.Equal(t, 1, called)
}

func TestPipelineMissReturnsNil(t *testing.T) {
	manager := NewManager(Options{
		Mode: ModeForce,
		ForceRemote: pipeline.InterceptorFunc(func(chain *pipeline.Chain) *resource.Resource {
			return chain.Process(chain.Request())
		}),
	})
	req := resource.NewRequest("https://example.com/a.css")
	req.ForceMode = true
	require.Nil(t, manager.Load(context.Background(), req))
}

func TestUserInterceptorShortCircuits(t *testing.T) {
	remoteCalls := 0
	manager := NewManager(Options{
		Mode: ModeForce,
		ForceRemote: pipeline.InterceptorFunc(func(chain *pipeline.Chain) *resource.Resource {
			remoteCalls++
			return staticResource("remote", "text/html")
		}),
	})

	req := resource.NewRequest("https://example.com/")
	req.ForceMode = true
	require.NotNil(t, manager.Load(context.Background(), req))
	require.Equal(t, 1, remoteCalls)

	// 构建之后注册的拦截器在下一次加载生效。
	require.NoError(t, manager.AddInterceptor(pipeline.InterceptorFunc(func(chain *pipeline.Chain) *resource.Resource {
		return staticResource("user", "text/plain")
	})))
	resp := manager.Load(context.Background(), req)
	require.NotNil(t, resp)
	body, _ := io.ReadAll(resp.Body)
	require.Equal(t, "user", string(body))
	require.Equal(t, "text/plain", resp.MimeType)
	require.Equal(t, 1, remoteCalls)

	require.ErrorIs(t, manager.AddInterceptor(nil), ErrNilInterceptor)
}

func TestDestroyCallsEachDestroyerOnce(t *testing.T) {
	shared := &countingDestroyer{}
	user := &countingDestroyer{}
	funcCount := 0
	uncomparable := funcDestroyer{
		load:    func(chain *pipeline.Chain) *resource.Resource { return chain.Process(chain.Request()) },
		counter: &funcCount,
	}
	filter := mimefilter.Default()

	manager := NewManager(Options{
		Mode:          ModeForce,
		Memory:        shared,
		ForceRemote:   shared,
		DefaultRemote: shared,
		Filter:        filter,
	})
	require.NoError(t, manager.AddInterceptor(user))
	require.NoError(t, manager.AddInterceptor(user))
	require.NoError(t, manager.AddInterceptor(uncomparable))
	wrappedCount := 0
	wrapped := wrappedDestroyer{
		inner:   pipeline.InterceptorFunc(func(chain *pipeline.Chain) *resource.Resource { return chain.Process(chain.Request()) }),
		counter: &wrappedCount,
	}
	require.NoError(t, manager.AddInterceptor(wrapped))

	require.NotPanics(t, manager.Destroy)
	manager.Destroy()

	require.Equal(t, 1, shared.destroyed)
	require.Equal(t, 1, user.destroyed)
	require.Equal(t, 1, funcCount)
	require.Equal(t, 1, wrappedCount)
	require.Empty(t, filter.Types(), "destroy should clear the filter")

	require.ErrorIs(t, manager.AddInterceptor(user), ErrDestroyed)
	req := resource.NewRequest("https://example.com/")
	req.ForceMode = true
	require.Nil(t, manager.Load(context.Background(), req))
}

func TestEligible(t *testing.T) {
	cases := []struct {
		method string
		url    string
		want   bool
	}{
		{"GET", "https://example.com/a.js", true},
		{"get", "http://example.com/", true},
		{"POST", "https://example.com/", false},
		{"GET", "ftp://example.com/", false},
		{"GET", "data:text/plain,hi", false},
		{"GET", "https:///nohost", false},
		{"GET", "::bad", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Eligible(tc.method, tc.url), "%s %s", tc.method, tc.url)
	}
}

func TestModeString(t *testing.T) {
	require.Equal(t, "force", ModeForce.String())
	require.Equal(t, "default", ModeDefault.String())
}
