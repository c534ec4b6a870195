package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/tierfetch/tierfetch/internal/mimefilter"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Disk.Path)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Disk.Path = absStorage

	return &cfg, nil
}

// Watch 监听配置文件变化并重新执行 Load，结果交给 onChange；仅用于媒体类型策略热更新。
func Watch(path string, onChange func(*Config, error)) {
	if path == "" || onChange == nil {
		return
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(Load(path))
	})
	v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CacheMode", CacheModeForce)
	v.SetDefault("UpstreamTimeout", "20s")
	v.SetDefault("UserAgent", "tierfetch")
	v.SetDefault("Disk.Path", "./storage")
	v.SetDefault("Disk.Version", 1)
	v.SetDefault("Disk.MaxSize", 100*1024*1024)
	v.SetDefault("Memory.MaxSize", 20*1024*1024)
	v.SetDefault("Mime.Policy", string(mimefilter.PolicyRetain))
	v.SetDefault("Shared.Enabled", false)
	v.SetDefault("Shared.TTL", "10m")
	v.SetDefault("Shared.Prefix", "tierfetch:")
}

func applyDefaults(cfg *Config) {
	g := &cfg.Global
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.CacheMode = strings.ToLower(strings.TrimSpace(g.CacheMode))
	if g.CacheMode == "" {
		g.CacheMode = CacheModeForce
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(20 * time.Second)
	}
	if strings.TrimSpace(g.UserAgent) == "" {
		g.UserAgent = "tierfetch"
	}

	if cfg.Disk.Path == "" {
		cfg.Disk.Path = "./storage"
	}

	cfg.Mime.Policy = strings.ToLower(strings.TrimSpace(cfg.Mime.Policy))
	if cfg.Mime.Policy == "" {
		cfg.Mime.Policy = string(mimefilter.PolicyRetain)
	}
	// 保留列表为空时回退到默认静态资源列表。
	if len(cfg.Mime.Types) == 0 && cfg.Mime.Policy == string(mimefilter.PolicyRetain) {
		cfg.Mime.Types = mimefilter.DefaultTypes()
	}

	if cfg.Shared.TTL.DurationValue() == 0 {
		cfg.Shared.TTL = Duration(10 * time.Minute)
	}
	if cfg.Shared.Prefix == "" {
		cfg.Shared.Prefix = "tierfetch:"
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
