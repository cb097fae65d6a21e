package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	goredislib "github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-gl-autoposting/internal/client"
	"github.com/pesio-ai/be-gl-autoposting/internal/event"
	"github.com/pesio-ai/be-gl-autoposting/internal/handler"
	"github.com/pesio-ai/be-gl-autoposting/internal/lock"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/config"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/database"
	"github.com/pesio-ai/be-gl-autoposting/internal/pkg/logger"
	"github.com/pesio-ai/be-gl-autoposting/internal/repository"
	"github.com/pesio-ai/be-gl-autoposting/internal/scheduler"
	"github.com/pesio-ai/be-gl-autoposting/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting GL Auto-Posting Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	dbCfg := database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	}
	if cfg.Database.MigrateOnStart {
		version, err := database.Migrate(dbCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to run database migrations")
		}
		log.Info().Uint("version", version).Msg("Database migrations applied")
	}

	db, err := database.New(ctx, dbCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize repositories
	rulesRepo := repository.NewPostingRulesRepository(db)
	templatesRepo := repository.NewJournalTemplatesRepository(db)
	tolerancesRepo := repository.NewPostingTolerancesRepository(db)
	workflowRepo := repository.NewApprovalWorkflowRepository(db)
	journalsRepo := repository.NewJournalEntriesRepository(db)
	auditRepo := repository.NewAutomationAuditRepository(db)

	// Initialize gRPC service clients. Interfaces stay nil when a client is
	// not configured so the services fall back to their no-op versions.
	breakerCfg := client.BreakerConfig{
		MaxRequests:         cfg.Clients.BreakerMaxRequests,
		Interval:            cfg.Clients.BreakerInterval,
		Timeout:             cfg.Clients.BreakerTimeout,
		ConsecutiveFailures: cfg.Clients.BreakerFailures,
	}

	var approvers service.ApproverResolver
	if cfg.Clients.IdentityAddr != "" {
		identityClient, err := client.NewIdentityGRPCClient(cfg.Clients.IdentityAddr, cfg.Clients.CallTimeout, breakerCfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create identity gRPC client")
		}
		defer identityClient.Close()
		approvers = identityClient
	}

	var ifrs service.IFRSProcessor
	if cfg.Clients.IFRSAddr != "" {
		ifrsClient, err := client.NewIFRSGRPCClient(cfg.Clients.IFRSAddr, cfg.Clients.CallTimeout, breakerCfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create IFRS gRPC client")
		}
		defer ifrsClient.Close()
		ifrs = ifrsClient
	}

	log.Info().
		Str("identity_grpc", cfg.Clients.IdentityAddr).
		Str("ifrs_grpc", cfg.Clients.IFRSAddr).
		Msg("gRPC service clients initialized")

	// Initialize NATS
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Service.Name),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn().Err(err).Msg("NATS disconnected")
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				log.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
			}),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}
	notifier := client.NewNotificationPublisher(nc, cfg.NATS.NotifySubjectPrefix, log)

	// Initialize source-document lock
	var locker service.Locker
	if cfg.Redis.Addr != "" {
		rdb := goredislib.NewClient(&goredislib.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to Redis")
		}
		opts := lock.DefaultOptions()
		if cfg.Redis.LockExpiry > 0 {
			opts.Expiry = cfg.Redis.LockExpiry
		}
		if cfg.Redis.LockTries > 0 {
			opts.Tries = cfg.Redis.LockTries
		}
		locker = lock.NewRedisLocker(rdb, opts, log)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Redis lock enabled")
	} else {
		locker = lock.NewLocalLocker()
		log.Warn().Msg("Redis not configured, using in-process lock")
	}

	// Initialize services
	settings := service.SettingsFromConfig(cfg.Posting)
	auditService := service.NewAuditService(auditRepo, log)
	ruleEngine := service.NewRuleEngine(rulesRepo, templatesRepo, auditRepo, log)
	templateEngine := service.NewTemplateEngine(templatesRepo, settings, log)
	toleranceChecker := service.NewToleranceChecker(tolerancesRepo, settings, log)
	workflowService := service.NewApprovalWorkflowService(workflowRepo, approvers, notifier, settings, log)
	postingService := service.NewPostingService(
		ruleEngine, templateEngine, toleranceChecker, workflowService,
		journalsRepo, auditService, ifrs, notifier, locker, log,
	)

	services := handler.Services{
		Posting:    postingService,
		Rules:      ruleEngine,
		Templates:  templateEngine,
		Tolerances: toleranceChecker,
		Workflows:  workflowService,
		Audit:      auditService,
		Events:     event.DefaultRegistry(),
	}

	// Start HTTP server
	httpHandler := handler.NewHTTPHandler(services, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Routes(cfg.Server.RequestTimeout, []string{"*"}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Start gRPC server
	grpcServer := grpc.NewServer()
	handler.NewGRPCHandler(services, log).Register(grpcServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create gRPC listener")
	}

	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			log.Error().Err(err).Msg("gRPC server failed")
		}
	}()

	// Start event consumer
	var natsHandler *handler.NATSHandler
	if nc != nil {
		natsHandler = handler.NewNATSHandler(nc, handler.ConsumerConfig{
			SubjectPrefix: cfg.NATS.EventSubjectPrefix,
			Stream:        cfg.NATS.StreamName,
			Durable:       cfg.NATS.DurableName,
			Workers:       cfg.NATS.Workers,
			AckWait:       cfg.NATS.AckWait,
			MaxDeliver:    cfg.NATS.MaxDeliver,
			NakDelay:      cfg.NATS.NakDelay,
		}, services.Events, postingService, log)
		if err := natsHandler.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to start NATS consumer")
		}
	}

	// Start scheduler
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(scheduler.Config{
			TimeoutSweepCron: cfg.Scheduler.TimeoutSweepCron,
			RetryCron:        cfg.Scheduler.RetryCron,
			RetryOlderThan:   cfg.Scheduler.RetryOlderThan,
			RetryBatchSize:   cfg.Scheduler.RetryBatchSize,
		}, workflowService, postingService, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create scheduler")
		}
		sched.Start()
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if natsHandler != nil {
		natsHandler.Stop()
	}
	if sched != nil {
		sched.Stop(shutdownCtx)
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcServer.GracefulStop()
	cancel()

	log.Info().Msg("Server stopped")
}
