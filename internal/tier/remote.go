package tier

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/tierfetch/tierfetch/internal/metrics"
	"github.com/tierfetch/tierfetch/internal/pipeline"
	"github.com/tierfetch/tierfetch/internal/resource"
)

// defaultMimeHint 在请求无法推断媒体类型时使用。
const defaultMimeHint = "text/html"

// Fetcher 从网络取回资源，fetch.Client 实现了它。
type Fetcher interface {
	Fetch(ctx context.Context, req *resource.Request) (*resource.Resource, error)
}

type idleCloser interface {
	CloseIdleConnections()
}

// RemoteOptions 配置远端层。
type RemoteOptions struct {
	Logger  *logrus.Logger
	Metrics *metrics.Recorder
}

// Remote 是管线中访问网络的层。成功时终止管线，失败时委托下一层。
type Remote struct {
	name    string
	fetcher Fetcher
	logger  *logrus.Logger
	metrics *metrics.Recorder
	// decorate 在返回前标记可缓存性。
	decorate func(req *resource.Request, res *resource.Resource)
}

var (
	_ pipeline.Interceptor = (*Remote)(nil)
	_ pipeline.Destroyer   = (*Remote)(nil)
)

// NewForceRemote 返回强制模式下的远端层：可缓存性交给媒体类型过滤器，
// 响应缺少 Content-Type 时以请求的 mime（或 text/html）作为提示。
func NewForceRemote(fetcher Fetcher, opts RemoteOptions) *Remote {
	return &Remote{
		name:    NameRemoteForce,
		fetcher: fetcher,
		logger:  loggerOrDefault(opts.Logger),
		metrics: opts.Metrics,
		decorate: func(req *resource.Request, res *resource.Resource) {
			hint := req.Mime
			if hint == "" {
				hint = defaultMimeHint
			}
			res.MimeHint = hint
		},
	}
}

// NewDefaultRemote 返回默认模式下的远端层，取回的资源总是可缓存。
func NewDefaultRemote(fetcher Fetcher, opts RemoteOptions) *Remote {
	return &Remote{
		name:    NameRemoteDefault,
		fetcher: fetcher,
		logger:  loggerOrDefault(opts.Logger),
		metrics: opts.Metrics,
		decorate: func(_ *resource.Request, res *resource.Resource) {
			res.CacheableBySource = true
		},
	}
}

func (r *Remote) Name() string {
	return r.name
}

// Load 访问网络；任何失败都委托给下一层。
func (r *Remote) Load(chain *pipeline.Chain) *resource.Resource {
	req := chain.Request()
	if r.fetcher == nil {
		return chain.Process(req)
	}

	res, err := r.fetcher.Fetch(chain.Context(), req)
	if err != nil || res == nil {
		r.metrics.ObserveLookup(r.name, metrics.LookupMiss)
		entry := r.logger.WithFields(logrus.Fields{"tier": r.name, "url": req.URL})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Debug("remote_fetch_failed")
		return chain.Process(req)
	}

	r.metrics.ObserveLookup(r.name, metrics.LookupHit)
	res.Modified = true
	r.decorate(req, res)
	return res
}

// Destroy 释放 fetcher 的空闲连接。
func (r *Remote) Destroy() {
	if closer, ok := r.fetcher.(idleCloser); ok {
		closer.CloseIdleConnections()
	}
}
