package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"ActionFlow/internal/api"
	"ActionFlow/internal/config"
	"ActionFlow/internal/lifecycle"
	"ActionFlow/internal/observability/metrics"
	"ActionFlow/internal/observability/telemetry"
	"ActionFlow/internal/orchestrator"
	"ActionFlow/internal/runtime"
	"ActionFlow/internal/transport"
	"ActionFlow/pkg/logger"
)

// main 是 ActionFlow 守护进程的入口。
func main() {
	configPath := pflag.StringP("config", "c", "", "配置文件路径（默认读取 ACTIONFLOW_CONFIG 或 configs/actionflow.json）")
	pflag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, resolveConfigPath(*configPath)); err != nil {
		log.Fatalf("actionflowd 运行失败: %v", err)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("ACTIONFLOW_CONFIG"); env != "" {
		return env
	}
	return filepath.Join("configs", "actionflow.json")
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	lg := logger.Named("actionflowd")

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	m := metrics.New()

	apiKey := cfg.Runtime.ResolveAPIKey()
	client, err := runtime.NewClientFromSource(ctx,
		runtime.StaticCredentials{BaseURL: cfg.Runtime.BaseURL, APIKey: apiKey},
		runtime.WithHTTPClient(&http.Client{Timeout: cfg.Runtime.Timeout()}),
		runtime.WithObserver(m),
	)
	if err != nil {
		return err
	}

	bus := lifecycle.NewBus(cfg.Events.Buffer)
	emitters := []lifecycle.Emitter{bus, lifecycle.AuditEmitter{}}

	if cfg.Events.Redis.Address != "" {
		pub, err := lifecycle.NewRedisPublisher(ctx, lifecycle.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Channel:  cfg.Events.Redis.Channel,
		})
		if err != nil {
			return err
		}
		emitters = append(emitters, pub)
		lg.Info("已启用 Redis 事件发布", slog.String("channel", cfg.Events.Redis.Channel))
	}
	if cfg.Events.RabbitMQ.URL != "" {
		pub, err := lifecycle.NewRabbitMQPublisher(lifecycle.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Exchange:   cfg.Events.RabbitMQ.Exchange,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		emitters = append(emitters, pub)
		lg.Info("已启用 RabbitMQ 事件发布", slog.String("queue", cfg.Events.RabbitMQ.Queue))
	}
	fanout := lifecycle.NewFanout(emitters...)
	defer func() {
		if err := fanout.Close(); err != nil {
			lg.Warn("关闭事件发布器失败", slog.Any("error", err))
		}
	}()

	ws, err := transport.Dial(ctx, cfg.Runtime.SocketURL,
		transport.WithAPIKey(apiKey),
		transport.WithPingInterval(time.Duration(cfg.Transport.PingIntervalSeconds)*time.Second),
		transport.WithWriteTimeout(time.Duration(cfg.Transport.WriteTimeoutSeconds)*time.Second),
		transport.WithBackoff(0, time.Duration(cfg.Transport.MaxBackoffSeconds)*time.Second),
	)
	if err != nil {
		return err
	}
	defer ws.Close()

	orch, err := orchestrator.New(client, ws, fanout,
		orchestrator.Identity{AgentID: cfg.Runtime.AgentID, UserID: cfg.Runtime.UserID},
		orchestrator.WithConcurrency(cfg.Session.Concurrency),
		orchestrator.WithSessionTimeout(cfg.Session.Timeout()),
		orchestrator.WithSweepInterval(cfg.Session.SweepInterval()),
		orchestrator.WithSource(cfg.Runtime.Source),
		orchestrator.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, orch, api.WithEvents(bus), api.WithMetrics(m))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return orch.Run(groupCtx) })
	group.Go(func() error { return server.Start(groupCtx) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("actionflowd 已退出")
	return nil
}
