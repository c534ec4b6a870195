// Package pipeline implements the single-pass interceptor chain the cache
// tiers use to cooperate. Each tier either answers a request itself or asks the
// next tier through Chain.Process.
package pipeline

import (
	"context"

	"github.com/tierfetch/tierfetch/internal/resource"
)

// Interceptor 是管线中的一层。实现最多调用一次 chain.Process 进行委托，
// 或直接返回非 nil 资源短路后续层。
type Interceptor interface {
	Load(chain *Chain) *resource.Resource
}

// InterceptorFunc 让普通函数满足 Interceptor。
type InterceptorFunc func(chain *Chain) *resource.Resource

// Load makes InterceptorFunc satisfy Interceptor.
func (f InterceptorFunc) Load(chain *Chain) *resource.Resource {
	return f(chain)
}

// Destroyer 由持有可关闭资源的层实现。
type Destroyer interface {
	Destroy()
}

// Chain 持有有序的层列表和游标。一次加载对应一个 Chain，不可复用，也不能跨 goroutine 共享。
type Chain struct {
	ctx          context.Context
	interceptors []Interceptor
	index        int
	request      *resource.Request
}

// NewChain 构造游标位于 -1 的新链。
func NewChain(ctx context.Context, interceptors []Interceptor, req *resource.Request) *Chain {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Chain{
		ctx:          ctx,
		interceptors: interceptors,
		index:        -1,
		request:      req,
	}
}

// Process 前移游标并调用对应层；越过末尾时返回 nil。
func (c *Chain) Process(req *resource.Request) *resource.Resource {
	c.index++
	if c.index >= len(c.interceptors) {
		return nil
	}
	c.request = req
	return c.interceptors[c.index].Load(c)
}

// Request 返回当前请求。
func (c *Chain) Request() *resource.Request {
	return c.request
}

// Context 仅用于向 HTTP 客户端传递超时与取消。
func (c *Chain) Context() context.Context {
	return c.ctx
}
