package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-gate/internal/config"
	"github.com/any-hub/any-gate/internal/gateway"
	"github.com/any-hub/any-gate/internal/logging"
	"github.com/any-hub/any-gate/internal/metrics"
	"github.com/any-hub/any-gate/internal/proxy"
	"github.com/any-hub/any-gate/internal/reload"
	"github.com/any-hub/any-gate/internal/server"
	"github.com/any-hub/any-gate/internal/server/routes"
	"github.com/any-hub/any-gate/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

const shutdownTimeout = 10 * time.Second

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

	// 路由表与校验器必须同时构建成功，-check-config 与正常启动走同一条路径。
	snap, err := reload.Build(cfg)
	if err != nil {
		logger.WithFields(logging.BaseFields("config_load", opts.configPath)).WithError(err).Error("配置无效")
		fmt.Fprintf(stdErr, "构建路由表失败: %v\n", err)
		return 1
	}
	if cfg.RequiresAuth() {
		logging.ReportDisabledChecks(logger, cfg.Auth)
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["routes"] = snap.Table.Len()
		fields["auth_modes"] = config.AuthModes(cfg.Routes)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	collector := metrics.NewCollector()
	reloader, err := reload.New(reload.Options{
		Path:     opts.configPath,
		Debounce: cfg.Global.ReloadDebounce.DurationValue(),
		Initial:  snap,
		Logger:   logger,
		Metrics:  collector,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化热加载失败: %v\n", err)
		return 1
	}

	// 启动顺序：配置 → 路由表/校验器 → 上游连接池 → 流水线 → Fiber server，
	// 所有请求共享同一组快照来源与连接池。
	// abort 在关闭排空超时后触发，取消仍在等待下游的请求。
	abortCtx, abort := context.WithCancel(context.Background())
	defer abort()

	dispatcher := proxy.NewDispatcher(proxy.NewUpstreamClient(cfg.Global), logger)
	pipeline, err := gateway.NewPipeline(gateway.Options{
		Routes:     reloader.Routes(),
		Validators: reloader.Validators(),
		Forwarder:  dispatcher,
		Logger:     logger,
		Metrics:    collector,
		Abort:      abortCtx,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化请求流水线失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["routes"] = snap.Table.Len()
	fields["listen_port"] = cfg.Global.ListenPort
	fields["auth_modes"] = config.AuthModes(cfg.Routes)
	fields["hot_reload"] = cfg.Global.HotReload
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Global.HotReload {
		go func() {
			if err := reloader.Run(ctx); err != nil {
				logger.WithFields(logging.BaseFields("reload_watch", opts.configPath)).
					WithError(err).Error("配置监听启动失败，热加载不可用")
			}
		}()
	}

	if err := startHTTPServer(ctx, cfg, pipeline, reloader, collector, logger, abort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("any-gate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 ANY_GATE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("ANY_GATE_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = config.DefaultPath
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, handler server.Handler, reloader *reload.Reloader, collector *metrics.Collector, logger *logrus.Logger, abort context.CancelFunc) error {
	port := cfg.Global.ListenPort
	store := reloader.Routes()
	app, err := server.NewApp(server.AppOptions{
		Logger:    logger,
		Handler:   handler,
		CORS:      cfg.CORS,
		Metrics:   collector.Handler(),
		Ready:     func() bool { return store.Current() != nil },
		BodyLimit: cfg.Global.BodyLimit,
	})
	if err != nil {
		return err
	}
	routes.RegisterRouteTable(app, store)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.WithFields(logrus.Fields{"action": "shutdown", "port": port}).Info("收到退出信号，等待在途请求完成")
	err = app.ShutdownWithTimeout(shutdownTimeout)
	abort()
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown", "port": port}).
			Warn("排空超时，已取消剩余的下游请求")
	}
	return <-errCh
}
