package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/hubcache/internal/cache"
	"github.com/any-hub/hubcache/internal/config"
	"github.com/any-hub/hubcache/internal/httpcache"
	"github.com/any-hub/hubcache/internal/logging"
	"github.com/any-hub/hubcache/internal/metrics"
	"github.com/any-hub/hubcache/internal/proxy"
	"github.com/any-hub/hubcache/internal/server"
	"github.com/any-hub/hubcache/internal/server/routes"
	"github.com/any-hub/hubcache/internal/version"
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

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["hubs"] = len(cfg.Hubs)
		fields["credentials"] = config.CredentialModes(cfg.Hubs)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	registry, err := server.NewHubRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 Hub 注册表失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → HubRegistry → 缓存存储 → 锁表 → Fiber server，
	// 所有 hub 共享同一个存储与锁表，键按 hub 名分区。
	store, err := cache.Open(cfg.Global.StorageDriver, cfg.Global.StoragePath, retention(cfg))
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if purger, ok := store.(cache.Purger); ok {
		go runPurgeLoop(ctx, purger, cfg.Global.PurgeInterval.DurationValue(), logger)
	}

	proxyHandler := proxy.NewHandler(proxy.Options{
		Client:             server.NewUpstreamClient(cfg),
		Logger:             logger,
		Store:              store,
		Locks:              httpcache.NewLockTable(),
		LookupLoopCap:      cfg.Global.LookupLoopCap,
		LockMaxWaits:       cfg.Global.LockMaxWaits,
		MaxRanges:          cfg.Global.MaxRanges,
		UnhealthyThreshold: cfg.Global.UnhealthyThreshold,
	})
	forwarder := proxy.NewForwarder(proxyHandler, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["hubs"] = len(cfg.Hubs)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Hubs)
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	err = startHTTPServer(ctx, cfg, registry, forwarder, logger)
	proxyHandler.Wait()
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("hubcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 HUBCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("HUBCACHE_CONFIG")
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

// retention 计算内存驱动的保底保留时长：默认 TTL 加上最长的陈旧窗口。
func retention(cfg *config.Config) time.Duration {
	ttl := cfg.Global.CacheTTL.DurationValue()
	stale := cfg.Global.StaleIfError.DurationValue()
	for _, hub := range cfg.Hubs {
		ttl = max(ttl, cfg.EffectiveCacheTTL(hub))
		stale = max(stale, hub.StaleIfError.DurationValue(), hub.StaleWhileRevalidate.DurationValue())
	}
	stale = max(stale, cfg.Global.StaleWhileRevalidate.DurationValue())
	return ttl + stale
}

// runPurgeLoop 周期性清理过期条目，直到 ctx 结束。
func runPurgeLoop(ctx context.Context, purger cache.Purger, interval time.Duration, logger *logrus.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed, err := purger.PurgeExpired(ctx, now)
			if err != nil {
				logger.WithError(err).WithField("action", "cache_purge").Warn("cache_purge_failed")
				continue
			}
			if removed > 0 {
				metrics.PurgedObjectsTotal.Add(float64(removed))
				logger.WithFields(logrus.Fields{
					"action":  "cache_purge",
					"removed": removed,
				}).Info("cache_purge_complete")
			}
		}
	}
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.HubRegistry, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterDiagnosticsRoutes(app, registry)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
