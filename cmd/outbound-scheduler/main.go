// Package main provides the outbound scheduler process: the tick loop that
// fires due playbook steps, digests and alerts.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dukex/outbound/pkg/cmd"
	"github.com/dukex/outbound/pkg/config"
	"github.com/dukex/outbound/pkg/log"
	"github.com/dukex/outbound/pkg/metrics"
	"github.com/dukex/outbound/pkg/otelhelper"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"
)

const shutdownTimeout = 30 * time.Second

func main() {
	command := &cli.Command{
		Name:                  "outbound-scheduler",
		Usage:                 "Fire due playbook steps, digests and alerts",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres://... or a file store path)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the scheduler YAML configuration",
				Sources: cli.EnvVars("SCHEDULER_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel, none)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL used for leader election",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port serving /metrics, 0 disables it",
				Value:   9092,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	logger := log.WithModule("outbound-scheduler")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(command.String("config"))
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "Initializing Outbound Scheduler",
		"tick_interval", cfg.TickInterval,
		"lease_duration", cfg.LeaseDuration,
		"leader_election", cfg.Leader.Enabled,
	)

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(context.Background()); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
	if err != nil {
		return err
	}

	if eventBus != nil {
		defer func() {
			if err := eventBus.Close(); err != nil {
				logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
			}
		}()
	}

	elector, closeElector, err := cmd.NewElector(ctx, cfg.Leader, command.String("redis-url"), logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := closeElector(); err != nil {
			logger.ErrorContext(ctx, "Failed to close leader election client", "error", err)
		}
	}()

	sender, err := cmd.NewSender(cfg.Senders, logger)
	if err != nil {
		return err
	}

	tracer := otelhelper.NewNoopTracer()

	if command.Bool("tracing") {
		var shutdown otelhelper.ShutdownFunc

		tracer, shutdown, err = otelhelper.NewTracer(ctx, "outbound-scheduler")
		if err != nil {
			return err
		}

		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := metrics.New(registry)

	s, err := NewScheduler(cfg, Dependencies{
		Persistence: persistence,
		Publisher:   cmd.Publisher(eventBus),
		Sender:      sender,
		Elector:     elector,
		Metrics:     m,
		Tracer:      tracer,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if port := command.Int("metrics-port"); port > 0 {
		serveMetrics(ctx, port, m)
	}

	if err := s.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return nil
}

func serveMetrics(ctx context.Context, port int, m *metrics.Metrics) {
	logger := log.WithModule("metrics")

	app := fiber.New()
	app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	go func() {
		if err := app.Listen(":" + strconv.Itoa(port)); err != nil {
			logger.ErrorContext(ctx, "Metrics server stopped", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()

		if err := app.Shutdown(); err != nil {
			logger.ErrorContext(ctx, "Failed to stop metrics server", "error", err)
		}
	}()
}
