// Ferry - 媒体下载编排服务
// 这是主程序入口文件
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ferry-project/ferry/Ferry/internal/config"
	"github.com/ferry-project/ferry/Ferry/internal/logger"
	"github.com/ferry-project/ferry/Ferry/internal/server"
	"github.com/ferry-project/ferry/Ferry/internal/shutdown"
	"github.com/ferry-project/ferry/Ferry/internal/version"
	"github.com/urfave/cli/v2"
)

// 版本信息（编译时注入）
var (
	Version   = ""
	BuildTime = ""
	GitCommit = ""
)

const runMode = "standalone"

func main() {
	version.SetVersion(Version, GitCommit, BuildTime)

	cli.VersionPrinter = func(c *cli.Context) {
		fmt.Println(version.GetVersionInfo().FullString())
	}

	app := &cli.App{
		Name:    "ferry",
		Usage:   "media download orchestrator with a local HTTP API",
		Version: version.GetVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML config file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "override server.host",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "override server.port",
			},
			&cli.StringFlag{
				Name:  "fetch-backend",
				Usage: "override tools.fetch_backend (aria2c, http, auto)",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "override log.level (debug, info, warn, error)",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	printBanner()

	configMgr := config.NewManager(runMode)
	if path := c.String("config"); path != "" {
		configMgr = config.NewManagerWithPath(runMode, path)
	}

	cfg, err := configMgr.Load()
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	// 命令行参数覆盖配置，不写回文件
	if c.IsSet("host") {
		cfg.Server.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if c.IsSet("fetch-backend") {
		cfg.Tools.FetchBackend = c.String("fetch-backend")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("配置无效: %w", err)
	}

	logger.InitLogStream(1000)
	if err := logger.InitLogger(&cfg.Log, runMode); err != nil {
		fmt.Printf("警告: 无法初始化日志系统: %v\n", err)
	}

	logger.Info("Ferry 正在启动...")
	logger.Infof("版本: %s", version.GetVersion())
	logger.Infof("配置文件: %s", configMgr.GetConfigPath())
	logger.Infof("下载目录: %s", configMgr.GetDownloadDirectory())
	logger.Infof("存储后端: %s", cfg.Storage.Type)

	srv, err := server.NewServer(server.ConfigFrom(cfg, configMgr), logger.GetLogger())
	if err != nil {
		return fmt.Errorf("创建服务器失败: %w", err)
	}

	shutdownMgr := shutdown.NewManager(40*time.Second, logger.GetLogger())

	// 服务器内部按 事件流 -> HTTP -> 下载 -> 存储 的顺序关闭
	shutdownMgr.Register("server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	}, shutdown.PriorityCritical)

	shutdownMgr.Register("logger", func(ctx context.Context) error {
		logger.Info("日志系统已关闭")
		logger.GetLogStream().Close()
		return logger.GetLogger().Close()
	}, shutdown.PriorityLow)

	if err := srv.Start(); err != nil {
		srv.Stop()
		return fmt.Errorf("无法启动服务器: %w", err)
	}

	shutdownMgr.Start()

	fmt.Printf("✓ HTTP 服务器已启动，监听 %s\n", srv.Addr())
	fmt.Printf("✓ 事件流: http://%s/api/events\n", srv.Addr())
	fmt.Printf("✓ 下载目录: %s\n", configMgr.GetDownloadDirectory())
	fmt.Println("\n按 Ctrl+C 停止服务器...")

	<-shutdownMgr.Done()
	shutdownMgr.Wait()

	fmt.Println("服务器已关闭")
	return nil
}

func printBanner() {
	fmt.Print(`
╔═══════════════════════════════════════════╗
║                                           ║
║   Ferry - 媒体下载编排服务                ║
║                                           ║
╚═══════════════════════════════════════════╝
`)
	info := version.GetVersionInfo()
	fmt.Printf("版本: %s\n", info.Version)
	fmt.Printf("Commit: %s\n\n", info.GitCommit)
}
