package main

import (
	"encoding/json"
	stdlog "log"
	"net/http"
	"os"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/username/flexledger/backend/src/config"
	"github.com/username/flexledger/backend/src/database"
	"github.com/username/flexledger/backend/src/flexadapter"
	"github.com/username/flexledger/backend/src/handlers"
	"github.com/username/flexledger/backend/src/ledger"
	"github.com/username/flexledger/backend/src/logger"
	"github.com/username/flexledger/backend/src/orchestrator"
	"github.com/username/flexledger/backend/src/scheduler"
	"github.com/username/flexledger/backend/src/store"
)

var limiter = rate.NewLimiter(rate.Every(100*time.Millisecond), 30)

func rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			logger.L.Warn("Rate limit exceeded",
				"method", r.Method,
				"path", r.URL.Path,
				"remoteAddr", r.RemoteAddr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	config.LoadConfig()
	logger.InitLogger(config.Cfg.LogLevel)
	logger.L.Info("Flexledger backend server starting...")

	reportLocation, err := time.LoadLocation(config.Cfg.ReportTimezone)
	if err != nil {
		logger.L.Error("Invalid REPORT_TIMEZONE", "timezone", config.Cfg.ReportTimezone, "error", err)
		os.Exit(1)
	}

	logger.L.Info("Initializing database...", "path", config.Cfg.DatabasePath)
	if err := database.InitDB(config.Cfg.DatabasePath); err != nil {
		logger.L.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	logger.L.Info("Database initialized successfully.")

	adapter, err := flexadapter.New(flexadapter.Config{
		Token:          config.Cfg.FlexToken,
		BaseURL:        config.Cfg.FlexBaseURL,
		APIVersion:     config.Cfg.FlexAPIVersion,
		InitialWait:    config.Cfg.FlexInitialWait,
		RetryAttempts:  config.Cfg.FlexRetryAttempts,
		BackoffBase:    config.Cfg.FlexBackoffBase,
		BackoffMax:     config.Cfg.FlexBackoffMax,
		JitterMin:      config.Cfg.FlexJitterMin,
		JitterMax:      config.Cfg.FlexJitterMax,
		RequestTimeout: config.Cfg.FlexRequestTimeout,
	})
	if err != nil {
		logger.L.Error("Failed to configure statement source adapter", "error", err)
		os.Exit(1)
	}

	logger.L.Info("Initializing stores and services...")
	runStore := store.NewRunStore(database.DB)
	rawStore := store.NewRawStore(database.DB)
	canonicalStore := store.NewCanonicalStore(database.DB)
	ledgerStore := store.NewLedgerStore(database.DB)

	snapshotBuilder := ledger.NewSnapshotBuilder(ledgerStore, rawStore, config.Cfg.AccountID, config.Cfg.FunctionalCurrency)

	pipeline := orchestrator.New(orchestrator.Config{
		AccountID:             config.Cfg.AccountID,
		FlexQueryID:           config.Cfg.FlexQueryID,
		PeriodKey:             config.Cfg.FlexPeriodKey,
		FunctionalCurrency:    config.Cfg.FunctionalCurrency,
		ReconciliationEnabled: config.Cfg.ReconciliationEnabled,
		ReportLocation:        reportLocation,
	}, adapter, runStore, rawStore, canonicalStore, snapshotBuilder)

	snapshotCache := cache.New(5*time.Minute, 10*time.Minute)

	ingestionHandler := handlers.NewIngestionHandler(pipeline, runStore, config.Cfg.AccountID, config.Cfg.APIDefaultLimit, config.Cfg.APIMaxLimit)
	snapshotHandler := handlers.NewSnapshotHandler(ledgerStore, snapshotCache, config.Cfg.AccountID, config.Cfg.APIDefaultLimit, config.Cfg.APIMaxLimit)
	healthHandler := handlers.NewHealthHandler(database.DB)

	logger.L.Info("Configuring routes...")
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/ingestion/run", ingestionHandler.HandleTriggerIngestion)
	mux.HandleFunc("POST /api/ingestion/reprocess", ingestionHandler.HandleTriggerReprocess)
	mux.HandleFunc("GET /api/ingestion/runs", ingestionHandler.HandleListRuns)
	mux.HandleFunc("GET /api/ingestion/runs/{id}", ingestionHandler.HandleGetRun)
	mux.HandleFunc("GET /api/snapshots", snapshotHandler.HandleListSnapshots)
	mux.HandleFunc("GET /api/health", healthHandler.HandleHealth)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "FLEXLEDGER Backend is running"})
	})

	if config.Cfg.IngestionSchedule != "" {
		logger.L.Info("Starting ingestion scheduler", "schedule", config.Cfg.IngestionSchedule)
		ingestionScheduler, err := scheduler.New(config.Cfg.IngestionSchedule, pipeline)
		if err != nil {
			logger.L.Error("Failed to configure ingestion scheduler", "error", err)
			os.Exit(1)
		}
		ingestionScheduler.Start()
		defer ingestionScheduler.Stop()
	} else {
		logger.L.Info("INGESTION_SCHEDULE is empty, scheduled runs disabled.")
	}

	serverAddr := ":" + config.Cfg.Port
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     rateLimitMiddleware(mux),
		ReadTimeout: 15 * time.Second,
		// Ingestion triggers block for the full statement poll loop.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	logger.L.Info("Server starting", "address", serverAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.L.Error("Failed to start server", "error", err)
		stdlog.Fatalf("Failed to start server: %v", err)
	} else if err == http.ErrServerClosed {
		logger.L.Info("Server stopped gracefully.")
	}
}
