package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opsite-ai/be-pm-approvals/internal/client"
	"github.com/opsite-ai/be-pm-approvals/internal/config"
	"github.com/opsite-ai/be-pm-approvals/internal/database"
	"github.com/opsite-ai/be-pm-approvals/internal/handler"
	"github.com/opsite-ai/be-pm-approvals/internal/logger"
	"github.com/opsite-ai/be-pm-approvals/internal/middleware"
	"github.com/opsite-ai/be-pm-approvals/internal/repository"
	"github.com/opsite-ai/be-pm-approvals/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("environment", cfg.Service.Environment).
		Msg("Starting PM Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Database.Migrate {
		if err := database.RunMigrations(ctx, cfg.Database.DSN); err != nil {
			log.Fatal().Err(err).Msg("Failed to run database migrations")
		}
		log.Info().Msg("Database migrations applied")
	}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	store := repository.NewStore(db)

	// Notification sink is optional; the engine runs without one.
	var notifier service.Notifier = service.NopNotifier{}
	if cfg.NATS.URL != "" {
		natsClient, err := client.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to NATS")
		}
		defer natsClient.Close()
		notifier = client.NewNotificationPublisher(natsClient, log)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notification sink connected")
	} else {
		log.Warn().Msg("No NATS URL configured; notifications disabled")
	}

	routingService := service.NewRoutingService(store, notifier, log)
	decisionService := service.NewDecisionService(store, notifier, log)
	thresholdService := service.NewThresholdService(store, log)

	if cfg.Sweeper.Enabled {
		sweeper := service.NewEscalationSweeper(store, notifier, log, cfg.Sweeper.Interval)
		go sweeper.Run(ctx)
	}

	httpHandler := handler.NewHTTPHandler(routingService, decisionService, thresholdService, log)
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/v1/approvals/route", httpHandler.RouteForApproval)
	mux.HandleFunc("/api/v1/approvals/preview", httpHandler.RequiresApproval)
	mux.HandleFunc("/api/v1/approvals/active", httpHandler.GetActiveWorkflow)
	mux.HandleFunc("/api/v1/approvals/steps", httpHandler.GetWorkflowSteps)
	mux.HandleFunc("/api/v1/approvals/history", httpHandler.GetHistory)
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.GetPendingApprovals)
	mux.HandleFunc("/api/v1/approvals/decide", httpHandler.Decide)
	mux.HandleFunc("/api/v1/approvals/delegate", httpHandler.Delegate)
	mux.HandleFunc("/api/v1/approvals/assign", httpHandler.Assign)
	mux.HandleFunc("/api/v1/approvals/override", httpHandler.Override)
	mux.HandleFunc("/api/v1/approvals/cancel", httpHandler.Cancel)

	mux.HandleFunc("/api/v1/thresholds", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpHandler.ListThresholds(w, r)
		case http.MethodPost:
			httpHandler.CreateThreshold(w, r)
		case http.MethodPut:
			httpHandler.UpdateThreshold(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	var h http.Handler = mux
	h = middleware.Timeout(cfg.Server.WriteTimeout)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)

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

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel() // stops the sweeper

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
