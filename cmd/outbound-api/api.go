// Package main provides the outbound API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/dukex/outbound/pkg/eventbus"
	"github.com/dukex/outbound/pkg/metrics"
	"github.com/dukex/outbound/pkg/persistence"
	"github.com/dukex/outbound/pkg/services"
	"github.com/dukex/outbound/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	metrics     *metrics.Metrics
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	publisher eventbus.EventPublisher,
	m *metrics.Metrics,
) *API {
	return &API{
		persistence: persistence,
		logger:      logger,
		publisher:   publisher,
		metrics:     m,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	runService := services.NewRun(a.persistence, a.logger,
		services.WithPublisher(a.publisher),
		services.WithMetrics(a.metrics),
	)
	playbookService := services.NewPlaybook(a.persistence, a.logger)
	jobService := services.NewJob(a.persistence, a.logger)

	handlers := web.NewAPIHandlers(runService, playbookService, jobService, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Outbound API")
	})

	app.Get("/metrics", adaptor.HTTPHandler(a.metrics.Handler()))

	handlers.Register(app)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
