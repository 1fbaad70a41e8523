package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"PluginHub/internal/api"
	"PluginHub/internal/auth"
	"PluginHub/internal/config"
	"PluginHub/internal/eventsink"
	"PluginHub/internal/kvstore"
	"PluginHub/internal/observability/alerting"
	"PluginHub/internal/observability/metrics"
	"PluginHub/pkg/logger"
	"PluginHub/pkg/plugin"
)

// main 是 PluginHub 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{
		Name:  "pluginhubd",
		Usage: "插件生命周期与依赖管理服务",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "JSON 配置文件路径",
				EnvVars: []string{config.EnvPath},
			},
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "启动 API 服务",
				Action: serve,
			},
			{
				Name:  "token",
				Usage: "签发访问令牌",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Value: "admin", Usage: "令牌主体"},
					&cli.StringSliceFlag{Name: "perm", Value: cli.NewStringSlice(auth.PermissionAdmin), Usage: "授予的权限"},
				},
				Action: issueToken,
			},
		},
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Fatalf("pluginhubd 运行失败: %v", err)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	if path == "" {
		candidate := filepath.Join("configs", "pluginhub.json")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		return config.Default(wd), nil
	}
	return config.Load(path)
}

func issueToken(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	svc, err := auth.NewService(cfg.AuthService())
	if err != nil {
		return err
	}
	token, expires, err := svc.Issue(c.String("user"), c.StringSlice("perm"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\n# 过期时间: %s\n", token, expires.Format(time.RFC3339))
	return nil
}

func serve(c *cli.Context) error {
	ctx := c.Context
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("pluginhubd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, err := kvstore.Open(ctx, cfg.KVStore())
	if err != nil {
		return err
	}
	defer store.Close()

	managerCfg := plugin.DefaultManagerConfig()
	if cfg.Plugins.ManagerConfig != "" {
		if managerCfg, err = plugin.LoadManagerConfig(cfg.Plugins.ManagerConfig); err != nil {
			return err
		}
	}
	switch {
	case managerCfg.PluginDir == "":
		managerCfg.PluginDir = filepath.Join(cfg.Runtime.DataDir, "plugins")
	case !filepath.IsAbs(managerCfg.PluginDir) && cfg.Plugins.ManagerConfig != "":
		managerCfg.PluginDir = filepath.Join(filepath.Dir(cfg.Plugins.ManagerConfig), managerCfg.PluginDir)
	}

	collector := metrics.Default()
	opts := []plugin.Option{
		plugin.WithStateStore(store),
		plugin.WithObserver(collector),
		plugin.WithLogger(logger.Named("plugin-manager")),
	}
	if cfg.Plugins.CatalogFile != "" {
		catalog, err := loadCatalogFile(cfg.Plugins.CatalogFile)
		if err != nil {
			return err
		}
		opts = append(opts, plugin.WithCatalog(catalog))
	}
	manager, err := plugin.NewManager(managerCfg, opts...)
	if err != nil {
		return err
	}

	// 本地环形缓冲始终保留，供 /api/v1/events 查询。
	feed := eventsink.NewMemorySink(cfg.Events.Buffer)
	feedForwarder := eventsink.NewForwarder(feed)
	feedForwarder.Start(manager.Bus())

	var sinkForwarder *eventsink.Forwarder
	if driver := strings.ToLower(cfg.Events.Driver); driver != "" && driver != "memory" {
		publisher, err := eventsink.Open(cfg.Events)
		if err != nil {
			return err
		}
		defer publisher.Close()
		sinkForwarder = eventsink.NewForwarder(publisher, eventsink.WithBuffer(cfg.Events.Buffer))
		sinkForwarder.Start(manager.Bus())
	}

	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	watcher := alerting.NewWatcher(alerting.NewFanout(notifiers...), cfg.AlertCooldown())
	watcher.Attach(manager.Bus())

	if err := manager.Start(ctx); err != nil {
		return err
	}

	authSvc, err := auth.NewService(cfg.AuthService())
	if err != nil {
		return err
	}
	server := api.NewServer(api.Options{
		Address:         cfg.Server.Address,
		Manager:         manager,
		Auth:            authSvc,
		Metrics:         collector,
		Events:          feed,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.ShutdownTimeout(),
	})

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Start(groupCtx) })
	if cfg.Metrics.Address != "" {
		group.Go(func() error { return metrics.StartServer(groupCtx, cfg.Metrics.Address, collector.Handler()) })
	}
	group.Go(func() error {
		manager.RunScheduler(groupCtx)
		return nil
	})

	log.Info("pluginhubd started",
		slog.String("address", cfg.Server.Address),
		slog.String("store", cfg.Store.Driver),
		slog.String("events", cfg.Events.Driver),
		slog.String("auth", cfg.Auth.Mode))

	runErr := group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()
	if err := manager.Close(shutdownCtx); err != nil {
		log.Warn("关闭插件失败", slog.String("error", err.Error()))
	}
	watcher.Close()
	if sinkForwarder != nil {
		if err := sinkForwarder.Stop(shutdownCtx); err != nil {
			log.Warn("停止事件转发失败", slog.String("error", err.Error()))
		}
	}
	if err := feedForwarder.Stop(shutdownCtx); err != nil {
		log.Warn("停止事件缓冲失败", slog.String("error", err.Error()))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Info("pluginhubd stopped")
	return nil
}

// loadCatalogFile 读取本地目录文件，格式与市场接口一致。
func loadCatalogFile(path string) (*plugin.StaticCatalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取插件目录失败: %w", err)
	}
	entries, err := plugin.ParseCatalog(raw)
	if err != nil {
		return nil, err
	}
	return &plugin.StaticCatalog{Entries: entries}, nil
}
