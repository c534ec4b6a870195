package tier

import (
	"container/list"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tierfetch/tierfetch/internal/metrics"
	"github.com/tierfetch/tierfetch/internal/pipeline"
	"github.com/tierfetch/tierfetch/internal/resource"
)

// lruEntry links the cache key and the resource to the list element.
type lruEntry struct {
	key   string
	size  int64
	value *resource.Resource
}

// MemoryOptions 配置内存层。
type MemoryOptions struct {
	// MaxSize 是所有正文字节数之和的上限。
	MaxSize int64
	Filter  resource.Retainer
	Logger  *logrus.Logger
	Metrics *metrics.Recorder
}

// Memory 是按字节计量的进程内 LRU，同一个实例被所有管线共享。
type Memory struct {
	mu       sync.Mutex
	lru      *list.List
	entries  map[string]*list.Element
	maxBytes int64
	curBytes int64

	filter  resource.Retainer
	logger  *logrus.Logger
	metrics *metrics.Recorder
}

var _ pipeline.Interceptor = (*Memory)(nil)

// NewMemory 创建内存层。
func NewMemory(opts MemoryOptions) *Memory {
	return &Memory{
		lru:      list.New(),
		entries:  make(map[string]*list.Element),
		maxBytes: opts.MaxSize,
		filter:   opts.Filter,
		logger:   loggerOrDefault(opts.Logger),
		metrics:  opts.Metrics,
	}
}

// Load 命中时直接返回，未命中时委托下一层并回填可缓存的结果。
func (m *Memory) Load(chain *pipeline.Chain) *resource.Resource {
	req := chain.Request()
	key := req.Key()

	if res, ok := m.Get(key); ok && usableHit(res) {
		m.metrics.ObserveLookup(NameMemory, metrics.LookupHit)
		m.logger.WithFields(logrus.Fields{"tier": NameMemory, "url": req.URL}).Debug("cache_hit")
		return res
	}
	m.metrics.ObserveLookup(NameMemory, metrics.LookupMiss)

	res := chain.Process(req)
	if res == nil {
		return nil
	}
	if res.Valid() && res.Cacheable(m.filter) {
		if m.Put(key, res) {
			m.metrics.ObserveStore(NameMemory, metrics.StoreStored)
		} else {
			m.metrics.ObserveStore(NameMemory, metrics.StoreSkipped)
		}
	} else {
		m.metrics.ObserveStore(NameMemory, metrics.StoreSkipped)
	}
	return res
}

// usableHit 要求正文非 nil 且至少有一个响应头。
func usableHit(res *resource.Resource) bool {
	return res != nil && res.OriginBytes != nil && len(res.ResponseHeaders) > 0
}

// Get retrieves an entry and moves it to the front of the list (MRU).
func (m *Memory) Get(key string) (*resource.Resource, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	element, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	m.lru.MoveToFront(element)
	return element.Value.(*lruEntry).value, true
}

// Put 写入或替换条目，超出预算时从 LRU 尾部淘汰。
// 单个条目超过整个预算时不写入，返回 false。
func (m *Memory) Put(key string, res *resource.Resource) bool {
	if res == nil {
		return false
	}
	size := res.Size()
	if size > m.maxBytes {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if element, ok := m.entries[key]; ok {
		entry := element.Value.(*lruEntry)
		m.curBytes -= entry.size
		entry.size = size
		entry.value = res
		m.curBytes += size
		m.lru.MoveToFront(element)
	} else {
		element := m.lru.PushFront(&lruEntry{key: key, size: size, value: res})
		m.entries[key] = element
		m.curBytes += size
	}

	for m.curBytes > m.maxBytes {
		back := m.lru.Back()
		if back == nil {
			break
		}
		evicted := m.lru.Remove(back).(*lruEntry)
		delete(m.entries, evicted.key)
		m.curBytes -= evicted.size
	}
	return true
}

// Remove deletes an entry from the cache.
func (m *Memory) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if element, ok := m.entries[key]; ok {
		evicted := m.lru.Remove(element).(*lruEntry)
		delete(m.entries, evicted.key)
		m.curBytes -= evicted.size
	}
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}

// Size 返回当前正文字节总数。
func (m *Memory) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.curBytes
}

func (m *Memory) MaxSize() int64 {
	return m.maxBytes
}

// Destroy 清空全部条目。
func (m *Memory) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lru.Init()
	m.entries = make(map[string]*list.Element)
	m.curBytes = 0
}
