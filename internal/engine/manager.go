package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tierfetch/tierfetch/internal/metrics"
	"github.com/tierfetch/tierfetch/internal/mimefilter"
	"github.com/tierfetch/tierfetch/internal/pipeline"
	"github.com/tierfetch/tierfetch/internal/resource"
	"github.com/tierfetch/tierfetch/internal/response"
)

// Mode 控制管理器是否接管请求。
type Mode int

const (
	// ModeDefault 关闭管线，Load 一律返回 nil，交给宿主默认行为。
	ModeDefault Mode = iota
	// ModeForce 启用管线。
	ModeForce
)

func (m Mode) String() string {
	if m == ModeForce {
		return "force"
	}
	return "default"
}

var (
	// ErrDestroyed 表示管理器已销毁。
	ErrDestroyed = errors.New("engine: manager destroyed")
	// ErrNilInterceptor 表示注册了 nil 拦截器。
	ErrNilInterceptor = errors.New("engine: nil interceptor")
)

// Options 注入已构造好的共享层实例。
type Options struct {
	Mode          Mode
	Memory        pipeline.Interceptor
	Disk          pipeline.Interceptor
	ForceRemote   pipeline.Interceptor
	DefaultRemote pipeline.Interceptor
	Filter        *mimefilter.Filter
	Logger        *logrus.Logger
	Metrics       *metrics.Recorder
}

// Manager 维护 force/default 两条拦截器列表并执行加载。
type Manager struct {
	mu        sync.Mutex
	mode      Mode
	user      []pipeline.Interceptor
	builtins  []pipeline.Interceptor
	fallback  pipeline.Interceptor
	force     []pipeline.Interceptor
	def       []pipeline.Interceptor
	stale     bool
	destroyed bool

	filter  *mimefilter.Filter
	logger  *logrus.Logger
	metrics *metrics.Recorder
}

// NewManager 创建管理器；nil 层会被跳过。
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var builtins []pipeline.Interceptor
	for _, i := range []pipeline.Interceptor{opts.Memory, opts.Disk, opts.ForceRemote} {
		if !isNil(i) {
			builtins = append(builtins, i)
		}
	}
	var fallback pipeline.Interceptor
	if !isNil(opts.DefaultRemote) {
		fallback = opts.DefaultRemote
	}
	return &Manager{
		mode:     opts.Mode,
		builtins: builtins,
		fallback: fallback,
		stale:    true,
		filter:   opts.Filter,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// SetCacheMode 切换是否接管请求。
func (m *Manager) SetCacheMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// CacheMode 返回当前模式。
func (m *Manager) CacheMode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// AddInterceptor 追加用户拦截器，位于内置层之前。已构建的列表会在下次加载时重建；
// 正在执行的加载继续使用旧列表。
func (m *Manager) AddInterceptor(i pipeline.Interceptor) error {
	if isNil(i) {
		return ErrNilInterceptor
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return ErrDestroyed
	}
	m.user = append(m.user, i)
	m.stale = true
	return nil
}

// Load 为请求选择列表并执行一次管线，结果经 response.Generate 转换。
// 请求为 nil、管理器已销毁、模式关闭或请求不合格时返回 nil。
func (m *Manager) Load(ctx context.Context, req *resource.Request) *response.Response {
	if req == nil {
		return nil
	}
	interceptors, mode, ok := m.interceptorsFor(req)
	if !ok {
		m.metrics.ObserveLoad(mode, metrics.LoadBypass)
		return nil
	}
	if !Eligible(req.Method, req.URL) {
		m.metrics.ObserveLoad(mode, metrics.LoadBypass)
		return nil
	}

	res := pipeline.NewChain(ctx, interceptors, req).Process(req)
	resp := response.Generate(res, req.Mime)
	if resp == nil {
		m.metrics.ObserveLoad(mode, metrics.LoadMiss)
		m.logger.WithFields(logrus.Fields{"url": req.URL, "mode": mode}).Debug("pipeline_miss")
		return nil
	}
	m.metrics.ObserveLoad(mode, metrics.LoadServed)
	return resp
}

func (m *Manager) interceptorsFor(req *resource.Request) ([]pipeline.Interceptor, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mode := "default"
	if req.ForceMode {
		mode = "force"
	}
	if m.destroyed || m.mode == ModeDefault {
		return nil, mode, false
	}
	m.rebuildLocked()
	if req.ForceMode {
		return m.force, mode, true
	}
	return m.def, mode, true
}

// rebuildLocked 在列表失效时重新切片；层实例共享，不会重新打开任何资源。
func (m *Manager) rebuildLocked() {
	if !m.stale {
		return
	}
	force := make([]pipeline.Interceptor, 0, len(m.user)+len(m.builtins))
	force = append(force, m.user...)
	force = append(force, m.builtins...)

	def := make([]pipeline.Interceptor, 0, len(m.user)+1)
	def = append(def, m.user...)
	if m.fallback != nil {
		def = append(def, m.fallback)
	}

	m.force = force
	m.def = def
	m.stale = false
}

// Destroy 对两条列表中每个不同的 Destroyer 恰好调用一次，然后清空过滤器。可重复调用。
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true

	all := make([]pipeline.Interceptor, 0, len(m.user)+len(m.builtins)+1)
	all = append(all, m.user...)
	all = append(all, m.builtins...)
	if m.fallback != nil {
		all = append(all, m.fallback)
	}
	filter := m.filter

	m.user, m.builtins, m.fallback = nil, nil, nil
	m.force, m.def = nil, nil
	m.filter = nil
	m.mu.Unlock()

	seen := make(map[pipeline.Interceptor]struct{})
	var uncomparable []pipeline.Interceptor
	for _, i := range all {
		d, ok := i.(pipeline.Destroyer)
		if !ok {
			continue
		}
		if reflect.ValueOf(i).Comparable() {
			if _, dup := seen[i]; dup {
				continue
			}
			seen[i] = struct{}{}
		} else {
			if containsSame(uncomparable, i) {
				continue
			}
			uncomparable = append(uncomparable, i)
		}
		d.Destroy()
	}

	filter.Clear()
	m.logger.WithField("action", "manager_destroy").Info("manager_destroyed")
}

// containsSame 用于不可比较的拦截器（例如 func 类型），按底层指针去重。
func containsSame(list []pipeline.Interceptor, i pipeline.Interceptor) bool {
	target := reflect.ValueOf(i)
	for _, existing := range list {
		v := reflect.ValueOf(existing)
		if v.Type() != target.Type() {
			continue
		}
		if pointerOf(v) != 0 && pointerOf(v) == pointerOf(target) {
			return true
		}
	}
	return false
}

func pointerOf(v reflect.Value) uintptr {
	switch v.Kind() {
	case reflect.Func, reflect.Map, reflect.Slice, reflect.Pointer, reflect.Chan, reflect.UnsafePointer:
		return v.Pointer()
	}
	return 0
}

func isNil(i pipeline.Interceptor) bool {
	if i == nil {
		return true
	}
	v := reflect.ValueOf(i)
	switch v.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}
