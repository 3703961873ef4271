package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"k8s.io/utils/clock"

	"github.com/pesio-ai/be-doc-approvals/internal/client"
	"github.com/pesio-ai/be-doc-approvals/internal/config"
	"github.com/pesio-ai/be-doc-approvals/internal/database"
	"github.com/pesio-ai/be-doc-approvals/internal/handler"
	"github.com/pesio-ai/be-doc-approvals/internal/logger"
	"github.com/pesio-ai/be-doc-approvals/internal/middleware"
	"github.com/pesio-ai/be-doc-approvals/internal/natsclient"
	"github.com/pesio-ai/be-doc-approvals/internal/outbox"
	"github.com/pesio-ai/be-doc-approvals/internal/repository"
	"github.com/pesio-ai/be-doc-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Document Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
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
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	if cfg.Database.MigrateOnStart {
		if err := repository.Migrate(ctx, db); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply schema migrations")
		}
		if err := outbox.Migrate(ctx, db.Pool); err != nil {
			log.Fatal().Err(err).Msg("Failed to apply outbox migrations")
		}
		log.Info().Msg("Migrations applied")
	}

	// Initialize NATS
	nc, err := natsclient.Connect(ctx, natsclient.Config{
		URL:            cfg.NATS.URL,
		Name:           cfg.Service.Name,
		Stream:         cfg.NATS.Stream,
		Subjects:       []string{cfg.NATS.SubjectPrefix + ".>"},
		ConnectTimeout: cfg.NATS.ConnectTimeout,
	}, log.Component("nats").Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to NATS")
	}
	defer nc.Close()
	log.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("NATS connection established")

	// Initialize collaborator clients
	triggers := client.NewTriggerPublisher(nc, cfg.NATS.SubjectPrefix, log.Component("triggers").Logger)
	signatures := client.NewSignatureClient(client.WithTimeout(nc, cfg.Signature.Timeout), cfg.Signature.Subject)

	var fallback service.RoleMemberFallback
	if cfg.Identity.FallbackEnabled {
		fallback = client.NewIdentityClient(client.WithTimeout(nc, cfg.Identity.Timeout), cfg.Identity.FallbackSubject)
		log.Info().Str("subject", cfg.Identity.FallbackSubject).Msg("Identity fallback enabled")
	}

	// Initialize repositories
	workflowRepo := repository.NewWorkflowRepository(db)
	submissionRepo := repository.NewSubmissionRepository(db)
	historyRepo := repository.NewHistoryRepository(db)
	seriesRepo := repository.NewSeriesRepository(db)
	stores := service.Stores{
		Workflows:   workflowRepo,
		Assignees:   repository.NewStageAssigneeRepository(db),
		Delegations: repository.NewDelegationRepository(db),
		Submissions: submissionRepo,
		Series:      seriesRepo,
		History:     historyRepo,
		Identity:    repository.NewIdentityRepository(db),
	}

	// Initialize services
	clk := clock.RealClock{}
	ids := service.NewUserIDNormalizer(stores.Identity, log.Component("user_ids"))
	delegations := service.NewDelegationResolver(stores.Delegations, ids, clk, log.Component("delegations"))
	resolver := service.NewApproverResolver(
		stores.Workflows, stores.Assignees, stores.Identity, fallback, ids, delegations, log.Component("approvers"),
	)
	dispatcher := service.NewSignatureDispatcher(
		stores.Workflows, stores.Submissions, stores.Identity, resolver, signatures, log.Component("signatures"),
	)

	jobs, err := outbox.New(db.Pool, outbox.Config{
		Workers:         cfg.Outbox.Workers,
		JobTimeout:      cfg.Outbox.JobTimeout,
		ShutdownTimeout: cfg.Outbox.ShutdownTimeout,
	}, outbox.Deps{
		Submissions: submissionRepo,
		Stages:      workflowRepo,
		History:     historyRepo,
		Triggers:    triggers,
		Signatures:  dispatcher,
	}, log.Component("outbox"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create outbox")
	}
	transitions := repository.NewTransitionRepository(db, jobs)

	approvalService := service.NewApprovalService(
		stores, ids, delegations, resolver, dispatcher, seriesRepo, transitions, clk, log.Component("approvals"),
	)
	inboxService := service.NewInboxService(stores, resolver, cfg.Inbox.StageConcurrency, clk, log.Component("inbox"))

	if err := jobs.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start outbox workers")
	}

	// Setup HTTP routes
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(&log.Logger))
	r.Use(middleware.Recovery(&log.Logger))
	r.Use(chimw.Timeout(cfg.Server.RequestTimeout))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status, code := "healthy", http.StatusOK
		if err := db.Ping(r.Context()); err != nil || !nc.Healthy() {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	})
	r.Handle("/metrics", promhttp.Handler())

	handler.NewHTTPHandler(approvalService, inboxService, log.Component("http")).Routes(r)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
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
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(cfg.Service.Name, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer) // Enable reflection for debugging

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

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	grpcStopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(grpcStopped)
	}()
	select {
	case <-grpcStopped:
	case <-time.After(cfg.Server.ShutdownTimeout):
		grpcServer.Stop()
	}

	if err := jobs.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Outbox shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
