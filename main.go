package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/tierfetch/tierfetch/internal/config"
	"github.com/tierfetch/tierfetch/internal/engine"
	"github.com/tierfetch/tierfetch/internal/fetch"
	"github.com/tierfetch/tierfetch/internal/logging"
	"github.com/tierfetch/tierfetch/internal/metrics"
	"github.com/tierfetch/tierfetch/internal/mimefilter"
	"github.com/tierfetch/tierfetch/internal/server"
	"github.com/tierfetch/tierfetch/internal/tier"
	"github.com/tierfetch/tierfetch/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.New(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["cache_mode"] = cfg.Global.CacheMode
		fields["shared"] = cfg.SharedMode()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 日志 → 指标 → 过滤器 → 上游客户端 → 各缓存层 → 管理器 → Fiber server，
	// 所有请求共享同一组层实例。
	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存管线失败: %v\n", err)
		return 1
	}
	defer rt.manager.Destroy()

	app, err := server.NewApp(server.AppOptions{
		Logger:  logger,
		Loader:  rt.manager,
		Filter:  rt.filter,
		Metrics: rt.metrics.Handler(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建 HTTP 服务失败: %v\n", err)
		return 1
	}

	config.Watch(opts.configPath, func(next *config.Config, err error) {
		reloadMimePolicy(rt.filter, logger, opts.configPath, next, err)
	})

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_mode"] = cfg.Global.CacheMode
	fields["shared"] = cfg.SharedMode()
	fields["disk_path"] = cfg.Disk.Path
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(app, cfg.Global.ListenPort, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// components 持有进程内共享的管线组件。
type components struct {
	filter  *mimefilter.Filter
	metrics *metrics.Recorder
	client  *fetch.Client
	manager *engine.Manager
}

// buildRuntime 按配置构造过滤器、各缓存层与管理器；共享层启用时作为用户拦截器注册。
func buildRuntime(cfg *config.Config, logger *logrus.Logger) (*components, error) {
	rec := metrics.NewRecorder(nil)
	filter := mimefilter.New(cfg.MimePolicy(), cfg.Mime.Types)
	client := fetch.NewClient(fetch.Options{
		Timeout:   cfg.Global.UpstreamTimeout.DurationValue(),
		UserAgent: cfg.Global.UserAgent,
		Logger:    logger,
		Metrics:   rec,
	})

	mode := engine.ModeDefault
	if cfg.Global.ForceMode() {
		mode = engine.ModeForce
	}

	manager := engine.NewManager(engine.Options{
		Mode: mode,
		Memory: tier.NewMemory(tier.MemoryOptions{
			MaxSize: cfg.Memory.MaxSize,
			Filter:  filter,
			Logger:  logger,
			Metrics: rec,
		}),
		Disk: tier.NewDisk(tier.DiskOptions{
			Dir:     cfg.Disk.Path,
			Version: cfg.Disk.Version,
			MaxSize: cfg.Disk.MaxSize,
			Filter:  filter,
			Logger:  logger,
			Metrics: rec,
		}),
		ForceRemote:   tier.NewForceRemote(client, tier.RemoteOptions{Logger: logger, Metrics: rec}),
		DefaultRemote: tier.NewDefaultRemote(client, tier.RemoteOptions{Logger: logger, Metrics: rec}),
		Filter:        filter,
		Logger:        logger,
		Metrics:       rec,
	})

	if cfg.Shared.Enabled {
		shared, err := tier.NewShared(tier.SharedOptions{
			Address:  cfg.Shared.Address,
			Username: cfg.Shared.Username,
			Password: cfg.Shared.Password,
			DB:       cfg.Shared.DB,
			TTL:      cfg.Shared.TTL.DurationValue(),
			Prefix:   cfg.Shared.Prefix,
			Filter:   filter,
			Logger:   logger,
			Metrics:  rec,
		})
		if err != nil {
			manager.Destroy()
			return nil, err
		}
		if err := manager.AddInterceptor(shared); err != nil {
			shared.Destroy()
			manager.Destroy()
			return nil, err
		}
	}

	return &components{
		filter:  filter,
		metrics: rec,
		client:  client,
		manager: manager,
	}, nil
}

// reloadMimePolicy 仅热更新媒体类型策略，其余配置需要重启生效。
func reloadMimePolicy(filter *mimefilter.Filter, logger *logrus.Logger, path string, next *config.Config, err error) {
	fields := logging.BaseFields("config_reload", path)
	if err != nil {
		logger.WithFields(fields).WithError(err).Warn("配置重载失败，沿用旧策略")
		return
	}
	filter.Replace(next.MimePolicy(), next.Mime.Types)
	fields["policy"] = string(next.MimePolicy())
	fields["types"] = len(next.Mime.Types)
	logger.WithFields(fields).Info("媒体类型策略已更新")
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("tierfetch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 TIERFETCH_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("TIERFETCH_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// startHTTPServer 监听端口，收到 SIGINT/SIGTERM 时优雅关闭。
func startHTTPServer(app *fiber.App, port int, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serveUntil(ctx, app, fmt.Sprintf(":%d", port), logger)
}

// serveUntil 在 ctx 结束时关闭 app；Listen 先行返回（例如端口被占用）时不进入关闭流程。
func serveUntil(ctx context.Context, app *fiber.App, addr string, logger *logrus.Logger) error {
	served := make(chan struct{})
	defer close(served)

	go func() {
		select {
		case <-served:
			return
		case <-ctx.Done():
		}
		logger.WithField("action", "shutdown").Info("收到退出信号")
		if err := app.Shutdown(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("Fiber 关闭失败")
		}
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   addr,
	}).Info("Fiber 服务启动")

	return app.Listen(addr)
}
