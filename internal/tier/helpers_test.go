package tier

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/tierfetch/tierfetch/internal/mimefilter"
	"github.com/tierfetch/tierfetch/internal/pipeline"
	"github.com/tierfetch/tierfetch/internal/resource"
)

// terminal 模拟管线末端，记录被调用次数。
type terminal struct {
	calls int32
	res   func() *resource.Resource
}

func (t *terminal) Load(chain *pipeline.Chain) *resource.Resource {
	atomic.AddInt32(&t.calls, 1)
	if t.res == nil {
		return nil
	}
	return t.res()
}

func (t *terminal) count() int {
	return int(atomic.LoadInt32(&t.calls))
}

func run(tier pipeline.Interceptor, next pipeline.Interceptor, req *resource.Request) *resource.Resource {
	interceptors := []pipeline.Interceptor{tier}
	if next != nil {
		interceptors = append(interceptors, next)
	}
	return pipeline.NewChain(context.Background(), interceptors, req).Process(req)
}

func cssResource(body string) *resource.Resource {
	return &resource.Resource{
		OriginBytes:  []byte(body),
		ResponseCode: 200,
		ReasonPhrase: "OK",
		ResponseHeaders: resource.Headers{
			{Name: "Content-Type", Value: "text/css; charset=utf-8"},
			{Name: "Etag", Value: `"v1"`},
		},
		Modified: true,
	}
}

func cssFilter() *mimefilter.Filter {
	return mimefilter.New(mimefilter.PolicyRetain, []string{"text/css"})
}

func stringsReader(s string) *strings.Reader {
	return strings.NewReader(s)
}
