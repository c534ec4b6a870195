package tier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/tierfetch/tierfetch/internal/metrics"
	"github.com/tierfetch/tierfetch/internal/pipeline"
	"github.com/tierfetch/tierfetch/internal/resource"
)

// SharedOptions 配置跨进程共享层。
type SharedOptions struct {
	Address  string
	Username string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
	Filter   resource.Retainer
	Logger   *logrus.Logger
	Metrics  *metrics.Recorder
}

// sharedRecord 是写入 valkey 的 JSON 记录，meta 复用磁盘元数据格式。
type sharedRecord struct {
	Meta string `json:"meta"`
	Body []byte `json:"body"`
}

// Shared 通过 valkey/redis 在多个进程间共享资源，查找与回填规则与内存层一致。
type Shared struct {
	client  valkey.Client
	ttl     time.Duration
	prefix  string
	filter  resource.Retainer
	logger  *logrus.Logger
	metrics *metrics.Recorder
}

var (
	_ pipeline.Interceptor = (*Shared)(nil)
	_ pipeline.Destroyer   = (*Shared)(nil)
)

// NewShared 连接 valkey 并执行一次 PING。
func NewShared(opts SharedOptions) (*Shared, error) {
	if opts.Address == "" {
		return nil, errors.New("shared: address required")
	}
	if opts.TTL <= 0 {
		return nil, errors.New("shared: ttl must be positive")
	}

	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:       []string{opts.Address},
		Username:          opts.Username,
		Password:          opts.Password,
		SelectDB:          opts.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("shared: valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("shared: valkey ping: %w", err)
	}

	return &Shared{
		client:  client,
		ttl:     opts.TTL,
		prefix:  opts.Prefix,
		filter:  opts.Filter,
		logger:  loggerOrDefault(opts.Logger),
		metrics: opts.Metrics,
	}, nil
}

// Load 命中时直接返回；否则委托下一层，并把可缓存的结果写入 valkey。
func (s *Shared) Load(chain *pipeline.Chain) *resource.Resource {
	ctx := chain.Context()
	req := chain.Request()
	key := s.prefix + req.Key()

	res, err := s.lookup(ctx, key)
	if err != nil {
		s.metrics.ObserveLookup(NameShared, metrics.LookupError)
		s.logger.WithError(err).WithFields(logrus.Fields{"tier": NameShared, "url": req.URL}).Debug("shared_lookup_failed")
	}
	if usableHit(res) {
		res.MimeHint = req.Mime
		s.metrics.ObserveLookup(NameShared, metrics.LookupHit)
		return res
	}
	if err == nil {
		s.metrics.ObserveLookup(NameShared, metrics.LookupMiss)
	}

	res = chain.Process(req)
	if res == nil {
		return nil
	}
	if !res.Valid() || !res.Cacheable(s.filter) {
		s.metrics.ObserveStore(NameShared, metrics.StoreSkipped)
		return res
	}
	if err := s.store(ctx, key, res); err != nil {
		s.metrics.ObserveStore(NameShared, metrics.StoreError)
		s.logger.WithError(err).WithFields(logrus.Fields{"tier": NameShared, "url": req.URL}).Warn("shared_write_failed")
		return res
	}
	s.metrics.ObserveStore(NameShared, metrics.StoreStored)
	return res
}

func (s *Shared) lookup(ctx context.Context, key string) (*resource.Resource, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("shared: get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, fmt.Errorf("shared: get bytes: %w", err)
	}
	var record sharedRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("shared: unmarshal: %w", err)
	}
	res, err := decodeMeta(bytes.NewReader([]byte(record.Meta)))
	if err != nil {
		return nil, fmt.Errorf("shared: decode meta: %w", err)
	}
	res.OriginBytes = record.Body
	if res.OriginBytes == nil {
		res.OriginBytes = []byte{}
	}
	return res, nil
}

func (s *Shared) store(ctx context.Context, key string, res *resource.Resource) error {
	payload, err := json.Marshal(sharedRecord{
		Meta: string(encodeMeta(res)),
		Body: res.OriginBytes,
	})
	if err != nil {
		return fmt.Errorf("shared: marshal: %w", err)
	}
	cmd := s.client.B().Set().Key(key).Value(string(payload)).Px(s.ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("shared: set: %w", err)
	}
	return nil
}

// Destroy 关闭 valkey 客户端。
func (s *Shared) Destroy() {
	s.client.Close()
}
