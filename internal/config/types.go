package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// 缓存模式：force 启用内存/磁盘/网络三级管线，default 直接交给宿主默认行为。
const (
	CacheModeForce   = "force"
	CacheModeDefault = "default"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级行为：监听端口、日志、缓存模式与上游访问参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	CacheMode       string   `mapstructure:"CacheMode"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	UserAgent       string   `mapstructure:"UserAgent"`
}

// DiskConfig 控制磁盘层的目录、格式版本与容量。
type DiskConfig struct {
	Path    string `mapstructure:"Path"`
	Version int    `mapstructure:"Version"`
	MaxSize int64  `mapstructure:"MaxSize"`
}

// MemoryConfig 控制内存 LRU 的字节预算。
type MemoryConfig struct {
	MaxSize int64 `mapstructure:"MaxSize"`
}

// MimeConfig 是媒体类型过滤器的初始集合。
type MimeConfig struct {
	Policy string   `mapstructure:"Policy"`
	Types  []string `mapstructure:"Types"`
}

// SharedConfig 描述可选的跨进程 valkey/redis 共享层。
type SharedConfig struct {
	Enabled  bool     `mapstructure:"Enabled"`
	Address  string   `mapstructure:"Address"`
	Username string   `mapstructure:"Username"`
	Password string   `mapstructure:"Password"`
	DB       int      `mapstructure:"DB"`
	TTL      Duration `mapstructure:"TTL"`
	Prefix   string   `mapstructure:"Prefix"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Disk   DiskConfig   `mapstructure:"Disk"`
	Memory MemoryConfig `mapstructure:"Memory"`
	Mime   MimeConfig   `mapstructure:"Mime"`
	Shared SharedConfig `mapstructure:"Shared"`
}

// ForceMode 表示是否启用三级缓存管线。
func (g GlobalConfig) ForceMode() bool {
	return g.CacheMode == CacheModeForce
}

// SharedMode 输出 `shared` 或 `local`，供启动日志使用。
func (c *Config) SharedMode() string {
	if c.Shared.Enabled {
		return "shared"
	}
	return "local"
}
