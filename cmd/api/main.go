package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/swagger"
	_ "github.com/joho/godotenv/autoload"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"invoiceingest/docs"
	"invoiceingest/internal/batch"
	"invoiceingest/internal/config"
	"invoiceingest/internal/database"
	"invoiceingest/internal/database/migration"
	"invoiceingest/internal/extraction"
	handlers "invoiceingest/internal/http/handler"
	"invoiceingest/internal/http/middleware"
	"invoiceingest/internal/ingest"
	"invoiceingest/internal/logging"
	"invoiceingest/internal/mapper"
	"invoiceingest/internal/metrics"
	"invoiceingest/internal/otel"
	"invoiceingest/internal/poller"
	"invoiceingest/internal/repository/postgres"
	"invoiceingest/internal/service"
	"invoiceingest/internal/storage"
)

// @title Invoice Ingestion API
// @version 1.0
// @BasePath /
func main() {
	// Load configuration from environment variables (.env auto-loaded if present)
	cfg := config.Load()
	log := logging.New(os.Stdout, cfg.LogLevel, cfg.Location())
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		fatal(log, "invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Init(ctx, log)
	if err != nil {
		fatal(log, "failed to initialize tracing", err)
	}

	pg, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		fatal(log, "failed to connect to database", err)
	}
	defer pg.Close()

	if err := migration.EnsureMigrated(ctx, pg.DB, log); err != nil {
		fatal(log, "failed to migrate database", err)
	}

	// Initialize reusable S3-compatible object storage client (MinIO-supported)
	objStore, err := storage.NewMinIO(ctx, cfg.MinIO)
	if err != nil {
		fatal(log, "failed to initialize object storage", err)
	}

	// Claims are process-local unless Redis is configured.
	var claimer ingest.Claimer
	if cfg.Redis.Addr != "" {
		rdb, err := ingest.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			fatal(log, "failed to connect to redis", err)
		}
		defer rdb.Close()
		claimer = ingest.NewRedisClaimer(rdb, cfg.Ingest.ClaimTTL)
	} else {
		claimer = ingest.NewMemoryClaimer(cfg.Ingest.ClaimTTL)
		log.Warn("redis_disabled", "detail", "duplicate-trigger claims are tracked in-process only")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	ingestMetrics, err := metrics.New(reg)
	if err != nil {
		fatal(log, "failed to register metrics", err)
	}
	httpMetrics, err := middleware.NewPrometheusMiddleware(reg)
	if err != nil {
		fatal(log, "failed to register http metrics", err)
	}

	extractor, err := extraction.NewHTTPClient(cfg.Extraction, log)
	if err != nil {
		fatal(log, "failed to initialize extraction client", err)
	}

	// Initialize repositories, pipeline and services
	invoiceRepo := postgres.NewInvoicePostgres(pg.DB, pg.Pool, cfg.Batch.CopyThreshold)
	auditRepo := postgres.NewAuditPostgres(pg.DB)

	// The writer is stopped explicitly after the queue drains, never by the signal.
	writer := batch.NewWriter(invoiceRepo, cfg.Batch, log, ingestMetrics)
	if err := writer.Start(context.WithoutCancel(ctx)); err != nil {
		fatal(log, "failed to start batch writer", err)
	}

	coordinator := ingest.NewCoordinator(ingest.Deps{
		Store:   objStore,
		Client:  extractor,
		Poller:  poller.New(extractor, cfg.Poller, log, poller.WithMetrics(ingestMetrics)),
		Mapper:  mapper.New(),
		Writer:  writer,
		Repo:    invoiceRepo,
		Audit:   auditRepo,
		Claimer: claimer,
		Metrics: ingestMetrics,
		Log:     log,
	}, cfg.Ingest, ingest.WithPresignTTL(cfg.Extraction.PresignTTL))

	// Workers outlive the signal context so queued events still get their budget
	// while the process drains.
	queue := ingest.NewQueue(coordinator, cfg.Ingest, log)
	queue.Start(context.WithoutCancel(ctx))
	intake := ingest.NewIntake(coordinator, queue, cfg.Ingest, log)

	invoiceSvc := service.NewInvoiceService(objStore, invoiceRepo, writer, queue, cfg.Ingest, log)

	app := fiber.New(fiber.Config{
		ErrorHandler: handlers.ErrorHandler(),
		BodyLimit:    int(min(cfg.Ingest.MaxObjectSize+1<<20, 1<<31-1)),
	})

	// RequestID adds/propagates X-Request-ID; the logger renders errors so it
	// records the final status.
	app.Use(middleware.RequestID())
	app.Use(middleware.Logger(logging.Component(log, "http")))
	app.Use(middleware.Tracing(nil))
	app.Use(httpMetrics.Handler())

	handlers.RegisterRoutes(app, pg.DB, invoiceSvc, intake)
	app.Get(middleware.MetricsPath, middleware.MetricsHandler(reg))

	// Swagger UI with dynamic host and scheme
	app.Get("/swagger/*", func(c *fiber.Ctx) error {
		scheme := c.Protocol()
		if proto := c.Get("X-Forwarded-Proto"); proto != "" {
			scheme = strings.Split(proto, ",")[0]
		}

		docs.SwaggerInfo.Host = c.Get("Host")
		docs.SwaggerInfo.Schemes = []string{scheme}

		return swagger.HandlerDefault(c)
	})

	addr := ":" + cfg.Port
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server_starting", "addr", addr)
		serveErr <- app.Listen(addr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Error("server_failed", "error", err)
		}
	}
	stop()

	// Drain in dependency order: no new requests, then queued events, then the
	// writer's buffer, then tracing.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ingest.TaskBudget+30*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error("server_shutdown_failed", "error", err)
	}
	if err := queue.Close(shutdownCtx); err != nil {
		log.Error("queue_drain_failed", "error", err)
	}
	report := writer.Stop(shutdownCtx)
	log.Info("batch_writer_stopped",
		"committed", len(report.Committed),
		"duplicates", len(report.Duplicates),
		"rejected", len(report.Rejected),
	)
	if err := shutdownTracing(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("tracing_shutdown_failed", "error", err)
	}
	log.Info("server_stopped")
}

func fatal(log *slog.Logger, msg string, err error) {
	log.Error(msg, "error", err)
	os.Exit(1)
}
