package tier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tierfetch/tierfetch/internal/cache"
	"github.com/tierfetch/tierfetch/internal/metrics"
	"github.com/tierfetch/tierfetch/internal/pipeline"
	"github.com/tierfetch/tierfetch/internal/resource"
)

// 每个条目两个流：元数据与正文。
const (
	entryMeta  = 0
	entryBody  = 1
	entryCount = 2
)

// DiskOptions 配置磁盘层。
type DiskOptions struct {
	Dir     string
	Version int
	MaxSize int64
	Filter  resource.Retainer
	Logger  *logrus.Logger
	Metrics *metrics.Recorder
}

// Disk 把资源持久化到 cache.Store；存储延迟打开，关闭后下次加载时自动重开。
type Disk struct {
	opts    cache.Options
	filter  resource.Retainer
	logger  *logrus.Logger
	metrics *metrics.Recorder

	mu    sync.Mutex
	store *cache.Store
}

var (
	_ pipeline.Interceptor = (*Disk)(nil)
	_ pipeline.Destroyer   = (*Disk)(nil)
)

// NewDisk 创建磁盘层，不会立即打开存储。
func NewDisk(opts DiskOptions) *Disk {
	return &Disk{
		opts: cache.Options{
			Dir:        opts.Dir,
			AppVersion: opts.Version,
			ValueCount: entryCount,
			MaxSize:    opts.MaxSize,
		},
		filter:  opts.Filter,
		logger:  loggerOrDefault(opts.Logger),
		metrics: opts.Metrics,
	}
}

// Load 先读磁盘；未命中时委托下一层，并把可缓存的结果写回磁盘。
func (d *Disk) Load(chain *pipeline.Chain) *resource.Resource {
	ctx := chain.Context()
	req := chain.Request()
	key := req.Key()

	store := d.ensureStore()
	if store != nil {
		if res := d.read(ctx, store, key, req); res != nil {
			d.metrics.ObserveLookup(NameDisk, metrics.LookupHit)
			d.logger.WithFields(logrus.Fields{"tier": NameDisk, "url": req.URL}).Debug("cache_hit")
			return res
		}
	}
	d.metrics.ObserveLookup(NameDisk, metrics.LookupMiss)

	res := chain.Process(req)
	if res == nil || store == nil {
		return res
	}
	if res.Valid() && res.Cacheable(d.filter) {
		d.write(ctx, store, key, req, res)
	} else {
		d.metrics.ObserveStore(NameDisk, metrics.StoreSkipped)
	}
	return res
}

// Store 返回当前打开的存储，必要时打开或重开。
func (d *Disk) Store() (*cache.Store, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store != nil && !d.store.IsClosed() {
		return d.store, nil
	}
	store, err := cache.Open(d.opts)
	if err != nil {
		return nil, err
	}
	d.store = store
	return store, nil
}

func (d *Disk) ensureStore() *cache.Store {
	store, err := d.Store()
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"tier": NameDisk,
			"dir":  d.opts.Dir,
		}).Warn("disk_open_failed")
		return nil
	}
	return store
}

// read 读取并校验条目；任何问题都视为未命中。
func (d *Disk) read(ctx context.Context, store *cache.Store, key string, req *resource.Request) *resource.Resource {
	snapshot, err := store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			d.metrics.ObserveLookup(NameDisk, metrics.LookupError)
			d.logger.WithError(err).WithFields(logrus.Fields{"tier": NameDisk, "url": req.URL}).Debug("disk_read_failed")
		}
		return nil
	}
	defer snapshot.Close()

	metaReader := snapshot.Reader(entryMeta)
	bodyReader := snapshot.Reader(entryBody)
	if metaReader == nil || bodyReader == nil {
		return nil
	}
	res, err := decodeMeta(metaReader)
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{"tier": NameDisk, "url": req.URL}).Debug("disk_meta_invalid")
		return nil
	}
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		d.logger.WithError(err).WithFields(logrus.Fields{"tier": NameDisk, "url": req.URL}).Debug("disk_read_failed")
		return nil
	}
	if body == nil {
		body = []byte{}
	}
	res.OriginBytes = body
	res.Modified = false
	res.MimeHint = req.Mime

	if !res.Valid() || !res.Cacheable(d.filter) {
		return nil
	}
	return res
}

// write 提交元数据与正文；同 key 正在编辑时静默跳过，其它失败记录日志并清理该 key。
func (d *Disk) write(ctx context.Context, store *cache.Store, key string, req *resource.Request, res *resource.Resource) {
	editor, err := store.Edit(key)
	if err != nil {
		if errors.Is(err, cache.ErrEditInProgress) {
			d.metrics.ObserveStore(NameDisk, metrics.StoreSkipped)
			d.logger.WithFields(logrus.Fields{"tier": NameDisk, "url": req.URL}).Debug("disk_edit_in_progress")
			return
		}
		d.writeFailed(ctx, store, key, req, err)
		return
	}

	if _, err := editor.Write(ctx, entryMeta, bytes.NewReader(encodeMeta(res))); err != nil {
		editor.Abort()
		d.writeFailed(ctx, store, key, req, fmt.Errorf("write meta: %w", err))
		return
	}
	if _, err := editor.Write(ctx, entryBody, bytes.NewReader(res.OriginBytes)); err != nil {
		editor.Abort()
		d.writeFailed(ctx, store, key, req, fmt.Errorf("write body: %w", err))
		return
	}
	if err := editor.Commit(ctx); err != nil {
		d.writeFailed(ctx, store, key, req, fmt.Errorf("commit: %w", err))
		return
	}
	d.metrics.ObserveStore(NameDisk, metrics.StoreStored)
}

func (d *Disk) writeFailed(ctx context.Context, store *cache.Store, key string, req *resource.Request, err error) {
	d.metrics.ObserveStore(NameDisk, metrics.StoreError)
	d.logger.WithError(err).WithFields(logrus.Fields{
		"tier":      NameDisk,
		"url":       req.URL,
		"cache_key": key,
	}).Warn("disk_write_failed")
	if rmErr := store.Remove(ctx, key); rmErr != nil && !errors.Is(rmErr, cache.ErrClosed) {
		d.logger.WithError(rmErr).WithField("cache_key", key).Debug("disk_remove_failed")
	}
}

// Destroy 关闭存储；之后的加载会重新打开。
func (d *Disk) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.store == nil || d.store.IsClosed() {
		return
	}
	if err := d.store.Close(); err != nil {
		d.logger.WithError(err).WithField("tier", NameDisk).Warn("disk_close_failed")
	}
}
