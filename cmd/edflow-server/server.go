package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/edflow/internal/config"
	"github.com/ehr/edflow/internal/domain/emergency"
	"github.com/ehr/edflow/internal/platform/auth"
	"github.com/ehr/edflow/internal/platform/db"
	"github.com/ehr/edflow/internal/platform/facility"
	"github.com/ehr/edflow/internal/platform/middleware"
	"github.com/ehr/edflow/internal/platform/notification"
	"github.com/ehr/edflow/internal/platform/orderrouting"
	"github.com/ehr/edflow/internal/platform/registry"
	"github.com/ehr/edflow/internal/platform/telemetry"
	"github.com/ehr/edflow/internal/platform/websocket"
)

const version = "0.1.0"

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	var (
		pool    *pgxpool.Pool
		visits  emergency.VisitRepository
		trauma  emergency.TraumaRepository
		strokes emergency.StrokeCodeRepository
	)
	if cfg.Store == "postgres" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, db.PoolConfig{
			MaxConns:        cfg.DBMaxConns,
			MinConns:        cfg.DBMinConns,
			MaxConnIdleTime: 5 * time.Minute,
			ApplicationName: "edflow-server",
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		if n, err := db.NewMigrator(pool, db.Migrations()).Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		} else if n > 0 {
			logger.Info().Int("applied", n).Msg("database migrated")
		}
		visits = emergency.NewVisitRepoPG(pool)
		trauma = emergency.NewTraumaRepoPG(pool)
		strokes = emergency.NewStrokeCodeRepoPG(pool)
		logger.Info().Msg("connected to database")
	} else {
		visits = emergency.NewMemoryVisitRepo()
		trauma = emergency.NewMemoryTraumaRepo()
		strokes = emergency.NewMemoryStrokeRepo()
		logger.Warn().Msg("using in-memory storage; visits are lost on restart")
	}

	// Telemetry
	tp := telemetry.NewTelemetryProvider(telemetry.TelemetryConfig{
		ServiceVersion: version,
		Environment:    cfg.Env,
		RuntimeMetrics: true,
	})
	defer tp.Shutdown(context.Background())

	// Facility: beds and on-call staff
	layout, err := facility.LoadLayout(cfg.FacilityFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.FacilityFile).Msg("failed to load facility layout")
	}
	beds := facility.New(layout, logger)
	active, err := visits.ListActive(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list active visits")
	}
	logger.Info().Int("beds", len(layout.Beds)).Int("occupied", beds.Reconcile(active)).Msg("facility loaded")

	// Paging
	transports := []notification.Transport{notification.NewLogTransport(logger)}
	if cfg.RedisURL != "" {
		rt, err := notification.NewRedisTransportFromURL(ctx, notification.RedisConfig{
			URL:     cfg.RedisURL,
			Channel: cfg.PagerChannel,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to pager bus")
		}
		defer rt.Close()
		transports = append(transports, rt)
	}
	dispatcher := notification.NewDispatcher(nil, logger, transports...)

	hub := websocket.NewHub(logger)

	deps := emergency.Collaborators{
		Beds:     beds,
		Staff:    beds,
		Notifier: dispatcher,
		Events:   hub,
		Recorder: tp,
	}
	if cfg.RegistryURL != "" {
		deps.Registry = registry.NewClient(registry.Config{
			BaseURL:  cfg.RegistryURL,
			Token:    cfg.RegistryToken,
			CacheTTL: cfg.RegistryCacheTTL,
		}, logger)
	}

	// Order routing
	var amqpConn *amqp.Connection
	var amqpCh *amqp.Channel
	if cfg.AMQPURL != "" {
		amqpConn, amqpCh, err = orderrouting.Dial(cfg.AMQPURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to order broker")
		}
		defer amqpConn.Close()
		publisher, err := orderrouting.NewPublisher(amqpCh, cfg.OrderExchange, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to declare order exchange")
		}
		deps.Orders = publisher
	}

	rules, err := loadRules(cfg.RulesFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", cfg.RulesFile).Msg("failed to load rules")
	}

	svc := emergency.NewService(visits, trauma, strokes, deps, logger)
	svc.SetRules(rules)
	svc.SetNotifyTimeout(cfg.NotifyTimeout)

	if err := registerGauges(tp, hub, pool); err != nil {
		logger.Fatal().Err(err).Msg("failed to register gauges")
	}

	e := newEcho(cfg, logger, tp)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/health/ready", readyHandler(pool, amqpConn))
	e.GET("/metrics", tp.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	apiV1.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}))

	emergency.NewHandler(svc).RegisterRoutes(apiV1)

	staffGroup := apiV1.Group("", auth.RequireRole("admin", "physician", "nurse", "registrar"))
	facility.NewHandler(beds).RegisterRoutes(staffGroup)
	websocket.NewWebSocketHandler(hub,
		websocket.WithAllowedOrigins(cfg.CORSOrigins),
		websocket.WithDefaultTopics(emergency.TopicBoard),
		websocket.WithSnapshot(boardSnapshot(svc)),
	).RegisterRoutes(staffGroup)

	adminGroup := apiV1.Group("", auth.RequireRole(auth.RoleAdmin))
	notification.NewHandler(dispatcher).RegisterRoutes(adminGroup)

	g, gctx := errgroup.WithContext(ctx)

	if amqpCh != nil {
		consumer, err := orderrouting.NewConsumer(amqpCh, svc, cfg.ResultQueue, cfg.ResultPrefetch, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to declare result queue")
		}
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}

	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.Store).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	svc.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newEcho(cfg *config.Config, logger zerolog.Logger, tp *telemetry.TelemetryProvider) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(tp.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/api/v1/ws"))

	if cfg.ResolvedAuthMode() == "development" {
		logger.Warn().Msg("development auth enabled; every request runs as admin")
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			Department: cfg.AuthDepartment,
			Skipper:    auth.AuthSkipper,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.Use(middleware.Audit(logger))
	return e
}
