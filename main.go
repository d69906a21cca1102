package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shopialo/vendor-cache/internal/config"
	"github.com/shopialo/vendor-cache/internal/logging"
	"github.com/shopialo/vendor-cache/internal/proxy"
	"github.com/shopialo/vendor-cache/internal/server"
	"github.com/shopialo/vendor-cache/internal/version"
)

// 退出码：0 成功，1 运行期错误，2 参数错误。
const (
	exitSuccess    = 0
	exitRuntime    = 1
	exitUsageError = 2
)

// configEnv 指定配置文件路径，--config 优先级更高。
const configEnv = "VENDOR_CACHE_CONFIG"

const defaultConfigFile = "config.toml"

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute 构建命令树并执行，返回退出码，方便测试。
func execute(args []string) int {
	code := exitSuccess
	cmd := newRootCmd(&code)
	cmd.SetArgs(args)
	cmd.SetOut(stdOut)
	cmd.SetErr(stdErr)
	if err := cmd.Execute(); err != nil {
		return exitUsageError
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	var configFlag string

	serve := func(cmd *cobra.Command, _ []string) {
		*code = runServe(resolveConfigPath(configFlag))
	}

	root := &cobra.Command{
		Use:          "vendor-cache",
		Short:        "Caching forward proxy for third-party storefront assets",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		Run:          serve,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 "+configEnv+" 覆盖）")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Install, activate and start the proxy",
		Args:  cobra.NoArgs,
		Run:   serve,
	})
	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			*code = runCheckConfig(resolveConfigPath(configFlag))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "activate",
		Short: "Run install + activate once, deleting stale cache namespaces",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			*code = runActivate(resolveConfigPath(configFlag))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion()
		},
	})

	return root
}

// resolveConfigPath 按 --config > 环境变量 > ./config.toml（存在时）顺序选择配置文件，
// 全部缺省时返回空串表示使用内置默认值。
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(configEnv); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}

func loadConfigAndLogger(configPath string) (*config.Config, *logrus.Logger, bool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return nil, nil, false
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return nil, nil, false
	}
	return cfg, logger, true
}

func runCheckConfig(configPath string) int {
	cfg, logger, ok := loadConfigAndLogger(configPath)
	if !ok {
		return exitRuntime
	}
	fields := logging.BaseFields("check_config", configPath)
	fields["cache_version"] = cfg.Worker.CacheVersion
	fields["allow_list"] = cfg.Worker.AllowListSummary()
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["result"] = "ok"
	logger.WithFields(fields).Info("配置校验通过")
	return exitSuccess
}

func runActivate(configPath string) int {
	cfg, logger, ok := loadConfigAndLogger(configPath)
	if !ok {
		return exitRuntime
	}
	runtime, err := server.Bootstrap(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 worker 失败: %v\n", err)
		return exitRuntime
	}
	if err := runtime.Start(context.Background()); err != nil {
		fmt.Fprintf(stdErr, "激活失败: %v\n", err)
		return exitRuntime
	}
	return exitSuccess
}

func runServe(configPath string) int {
	cfg, logger, ok := loadConfigAndLogger(configPath)
	if !ok {
		return exitRuntime
	}

	// 启动顺序：配置 → 存储 → worker(install/activate) → Fiber server，
	// 保证第一条请求到达时 worker 已接管。
	runtime, err := server.Bootstrap(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化 worker 失败: %v\n", err)
		return exitRuntime
	}
	if err := runtime.Start(context.Background()); err != nil {
		logger.WithFields(logging.BaseFields("activate", configPath)).
			WithError(err).
			Warn("旧缓存清理未完成，继续启动")
	}

	fields := logging.BaseFields("startup", configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["cache_version"] = cfg.Worker.CacheVersion
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["allow_list"] = cfg.Worker.AllowListSummary()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler := proxy.NewForwarder(proxy.NewHandler(runtime.Client, logger, runtime.Worker), logger)
	if err := startHTTPServer(cfg, handler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return exitRuntime
	}
	return exitSuccess
}

func startHTTPServer(cfg *config.Config, proxyHandler server.ProxyHandler, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:         logger,
		Proxy:          proxyHandler,
		ListenPort:     port,
		UpstreamScheme: cfg.Global.UpstreamScheme,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.ShutdownWithContext(shutdownCtx)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
}
