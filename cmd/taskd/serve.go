package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"task-processor/internal/api"
	"task-processor/internal/config"
	"task-processor/internal/observability/alerting"
	"task-processor/internal/observability/metrics"
	"task-processor/internal/observability/tracing"
	"task-processor/internal/storage/mysql"
	"task-processor/internal/task"
	"task-processor/pkg/logger"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher and the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath == "" {
				configPath = os.Getenv("TASKD_CONFIG")
			}
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a JSON or YAML config file (env TASKD_CONFIG)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("taskd")

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			Output:         cfg.Tracing.Output,
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn("关闭 tracing 失败", slog.Any("error", err))
			}
		}()
	}

	service := task.NewService(task.NewMemoryStore(), task.NewBus(cfg.Bus.SubscriberBuffer))
	defer service.Close()

	alerts := alerting.NewFanout(&alerting.LogNotifier{Logger: logger.Named("alert")})

	executor := &task.SimulatedExecutor{
		FailureRate:    cfg.FailureRate(),
		FailureMessage: cfg.Dispatcher.FailureMessage,
	}
	dispatcher := task.NewDispatcher(service, executor,
		task.WithTickInterval(cfg.Dispatcher.TickInterval.Std()),
		task.WithAlertDispatcher(alerts),
	)

	sinks, err := buildSinks(ctx, cfg.Sinks)
	if err != nil {
		return err
	}
	forwarder := task.NewForwarder(service.Bus(), sinks,
		task.WithSinkTimeout(cfg.Sinks.Timeout.Std()),
		task.WithForwarderAlerts(alerts),
	)
	defer forwarder.Close()

	var registry *metrics.Registry
	if cfg.Metrics.Enabled {
		registry = metrics.NewRegistry()
		if err := registry.Register(metrics.NewTaskCollector(service, service.Bus())); err != nil {
			return err
		}
	}

	server := api.NewServer(service, api.Options{
		Address:         cfg.Server.Address,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		Version:         version,
		Metrics:         registry,
		MetricsPath:     cfg.Metrics.Path,
	})

	log.Info("taskd 启动",
		slog.String("version", version),
		slog.String("address", cfg.Server.Address),
		slog.Int("sinks", len(sinks)),
		slog.Bool("metrics", cfg.Metrics.Enabled),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return dispatcher.Start(groupCtx) })
	group.Go(func() error { return forwarder.Run(groupCtx) })
	group.Go(func() error { return server.Start(groupCtx) })
	if registry != nil && cfg.Metrics.Address != "" {
		group.Go(func() error { return metrics.StartServer(groupCtx, cfg.Metrics.Address, registry.Handler()) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("taskd 已退出")
	return nil
}

// buildSinks 按配置创建事件镜像，未配置地址的 Sink 被跳过。
func buildSinks(ctx context.Context, cfg config.SinksConfig) ([]task.EventSink, error) {
	var sinks []task.EventSink
	closeAll := func() {
		for _, sink := range sinks {
			_ = sink.Close()
		}
	}

	if cfg.Redis.Address != "" {
		sink, err := task.NewRedisSink(ctx, task.RedisSinkConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.RabbitMQ.URL != "" {
		sink, err := task.NewRabbitMQSink(task.RabbitMQSinkConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
			Durable:  cfg.RabbitMQ.Durable,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	if cfg.MySQL.DSN != "" {
		sink, err := mysql.NewEventSink(ctx, mysql.Config{
			DSN:          cfg.MySQL.DSN,
			MaxOpenConns: cfg.MySQL.MaxOpenConns,
			MaxIdleConns: cfg.MySQL.MaxIdleConns,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}
