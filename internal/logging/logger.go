package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tierfetch/tierfetch/internal/config"
	"github.com/tierfetch/tierfetch/internal/version"
)

const serviceName = "tierfetch"

// New 创建 JSON 日志并同步到 logrus 全局实例。每条记录都带上服务名、版本、
// 缓存模式与磁盘目录；日志文件无法创建时退回 stdout，不视为失败。
func New(cfg *config.Config) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Global.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	sink, sinkErr := openSink(cfg.Global)
	if sinkErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", sinkErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(sink)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		// 日志消息统一写成 snake_case 事件名
		FieldMap: logrus.FieldMap{logrus.FieldKeyMsg: "event"},
	})
	logger.AddHook(newStampHook(cfg))

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(logger.GetLevel())

	if sinkErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.Global.LogFilePath,
		}).Warn(sinkErr.Error())
	}
	return logger, nil
}

// openSink 返回 stdout 或按大小轮转的日志文件。
func openSink(global config.GlobalConfig) (io.Writer, error) {
	if global.LogFilePath == "" {
		return os.Stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(global.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   global.LogFilePath,
		MaxSize:    global.LogMaxSize,
		MaxBackups: global.LogMaxBackups,
		Compress:   global.LogCompress,
		LocalTime:  true,
	}, nil
}

// stampHook 给每条记录补上进程级字段，调用方显式设置的同名字段优先。
type stampHook struct {
	fields logrus.Fields
}

func newStampHook(cfg *config.Config) *stampHook {
	fields := logrus.Fields{
		"service":    serviceName,
		"version":    version.Version,
		"cache_mode": cfg.Global.CacheMode,
		"shared":     cfg.SharedMode(),
	}
	if cfg.Disk.Path != "" {
		fields["disk_dir"] = cfg.Disk.Path
	}
	return &stampHook{fields: fields}
}

func (h *stampHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *stampHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
