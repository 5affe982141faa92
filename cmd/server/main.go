package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/poplovexz/qiyewenjian-approvals/internal/client"
	"github.com/poplovexz/qiyewenjian-approvals/internal/config"
	"github.com/poplovexz/qiyewenjian-approvals/internal/database"
	"github.com/poplovexz/qiyewenjian-approvals/internal/engine"
	"github.com/poplovexz/qiyewenjian-approvals/internal/handler"
	"github.com/poplovexz/qiyewenjian-approvals/internal/logger"
	"github.com/poplovexz/qiyewenjian-approvals/internal/middleware"
	"github.com/poplovexz/qiyewenjian-approvals/internal/repository"
	"github.com/poplovexz/qiyewenjian-approvals/internal/service"
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
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approval Workflow Service")

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
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database schema")
	}
	log.Info().Msg("Database connection established")

	// Repositories
	ruleRepo := repository.NewRuleRepository(db)
	workflowRepo := repository.NewWorkflowRepository(db)
	stepRepo := repository.NewStepRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Directory client
	directory := client.NewDirectoryClient(cfg.Directory.BaseURL, cfg.Directory.Timeout)
	log.Info().Str("directory_url", cfg.Directory.BaseURL).Msg("Directory client initialized")

	// NATS publisher (optional)
	var publisher service.EventPublisher
	if cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name))
		if err != nil {
			log.Fatal().Err(err).Str("nats_url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer nc.Close()
		publisher = client.NewNotificationPublisher(nc, log.Logger)
		log.Info().Str("nats_url", cfg.NATS.URL).Msg("NATS publisher initialized")
	}

	// Rule set: loaded once here, reloaded on demand via the API.
	ruleSet := engine.NewRuleSet(ruleRepo)
	if err := ruleSet.Reload(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load approval rules")
	}

	// Escalation ladders from configuration.
	ladders := make(map[string]engine.Ladder, len(cfg.Approvals.Ladders))
	for ruleType, lc := range cfg.Approvals.Ladders {
		ladders[ruleType] = engine.Ladder{
			Tiers:             lc.Tiers,
			DefaultApproverID: lc.DefaultApproverID,
		}
	}

	// Side-effect dispatcher: one mutator per configured subject type.
	dispatcher := engine.NewDispatcher()
	for subjectType, baseURL := range cfg.Approvals.Subjects {
		mutator := client.NewSubjectServiceClient(baseURL, cfg.Directory.Timeout)
		if err := dispatcher.Register(subjectType, mutator); err != nil {
			log.Fatal().Err(err).Str("subject_type", subjectType).Msg("Failed to register subject mutator")
		}
		log.Info().Str("subject_type", subjectType).Str("base_url", baseURL).Msg("Subject mutator registered")
	}

	authorizer := client.NewOverrideAuthorizer(directory, cfg.Approvals.OverrideRole)

	approvalService := service.NewApprovalService(
		ruleSet,
		engine.NewResolver(directory),
		dispatcher,
		directory,
		ladders,
		workflowRepo,
		stepRepo,
		auditRepo,
		authorizer,
		publisher,
		log,
	)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(approvalService, log)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	mux.HandleFunc("/api/v1/approvals/trigger", post(httpHandler.Trigger))
	mux.HandleFunc("/api/v1/approvals/approve", post(httpHandler.Approve))
	mux.HandleFunc("/api/v1/approvals/reject", post(httpHandler.Reject))
	mux.HandleFunc("/api/v1/approvals/transfer", post(httpHandler.Transfer))
	mux.HandleFunc("/api/v1/approvals/cancel", post(httpHandler.Cancel))
	mux.HandleFunc("/api/v1/approvals/retry-side-effect", post(httpHandler.RetrySideEffect))
	mux.HandleFunc("/api/v1/approvals/get", httpHandler.GetInstance)
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.ListPending)
	mux.HandleFunc("/api/v1/approvals/audit", httpHandler.GetAuditTrail)
	mux.HandleFunc("/api/v1/rules/reload", post(httpHandler.ReloadRules))

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
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

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}

// post restricts a handler to the POST method.
func post(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}
