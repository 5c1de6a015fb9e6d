// ==============================================================================
// CLEARING ENGINE MAIN - cmd/clearing/main.go
// ==============================================================================
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"railnet/internal/clearing"
	"railnet/internal/events"
	"railnet/internal/handler"
	"railnet/internal/middleware"
	"railnet/internal/repository/postgres"
	"railnet/internal/scheduler"
	"railnet/internal/window"
	"railnet/pkg/cache"
	"railnet/pkg/config"
	"railnet/pkg/logger"
	"railnet/pkg/validator"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New("clearing-engine")

	log.Info("Starting Clearing Engine", map[string]interface{}{
		"port":    cfg.Server.Port,
		"regions": cfg.Clearing.Regions,
	})

	// Database connection
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	// Redis cache and leases
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer redisCache.Close()

	// Repositories
	windowRepo := postgres.NewWindowRepository(db)
	obligationRepo := postgres.NewObligationRepository(db)
	positionRepo := postgres.NewNetPositionRepository(db)
	instructionRepo := postgres.NewInstructionRepository(db)
	store := postgres.NewStore(db)

	// Window manager
	windowService := window.NewService(windowRepo, obligationRepo, redisCache, window.RegionConfig{
		WindowDuration: cfg.Clearing.WindowDuration,
		GracePeriod:    cfg.Clearing.GracePeriod,
	}, log)

	// Event sinks: structured log plus websocket broadcast
	hub := events.NewHub(log)
	publisher := events.NewMultiPublisher(log, events.NewLogPublisher(log), hub)

	// Clearing orchestrator
	orchestrator := clearing.NewOrchestrator(
		windowService,
		obligationRepo,
		positionRepo,
		instructionRepo,
		store,
		redisCache,
		events.NewLogDispatcher(log),
		publisher,
		clearing.Config{
			DustThreshold:      cfg.Clearing.DustThreshold,
			MaxAmount:          cfg.Clearing.MaxAmount,
			SettlementDeadline: cfg.Clearing.SettlementDeadline,
			PersistRetries:     cfg.Clearing.PersistRetries,
			PersistBackoff:     cfg.Clearing.PersistBackoff,
			LeaseTTL:           cfg.Clearing.LeaseTTL,
			Workers:            cfg.Clearing.Workers,
		},
		log,
	)

	// Scheduler
	schedCtx, schedCancel := context.WithCancel(context.Background())
	sched := scheduler.NewService(windowService, orchestrator, redisCache, scheduler.Config{
		Regions:  cfg.Clearing.Regions,
		Tick:     cfg.Clearing.SchedulerTick,
		LeaseTTL: cfg.Clearing.LeaseTTL,
	}, log)
	sched.Start(schedCtx)

	// Handlers
	val := validator.New()
	defaultRegion := cfg.Clearing.Regions[0]
	obligationHandler := handler.NewObligationHandler(windowService, val, defaultRegion, log)
	windowHandler := handler.NewWindowHandler(windowService, positionRepo, instructionRepo, defaultRegion, log)

	// Setup router
	r := mux.NewRouter()

	// Websocket upgrades bypass the wrapping middleware chain.
	r.Handle("/ws/events", hub).Methods("GET")

	api := r.PathPrefix("/").Subrouter()

	// Middleware
	api.Use(middleware.CORS)
	api.Use(middleware.SecurityHeaders)
	api.Use(middleware.Recovery)
	api.Use(middleware.CorrelationID)
	api.Use(middleware.NewLoggingMiddleware(log).Log)
	api.Use(middleware.BodyLimit(1 << 20))

	// Routes
	api.HandleFunc("/health", healthCheck).Methods("GET")
	api.HandleFunc("/ready", readyCheck(db, redisCache)).Methods("GET")

	api.HandleFunc("/api/v1/obligations", obligationHandler.Submit).Methods("POST")
	api.HandleFunc("/api/v1/windows/current", windowHandler.Current).Methods("GET")
	api.HandleFunc("/api/v1/windows/{id}", windowHandler.Get).Methods("GET")
	api.HandleFunc("/api/v1/windows/{id}/positions", windowHandler.Positions).Methods("GET")
	api.HandleFunc("/api/v1/windows/{id}/instructions", windowHandler.Instructions).Methods("GET")
	api.HandleFunc("/api/v1/windows/{id}/advance", windowHandler.Advance).Methods("POST")
	api.HandleFunc("/api/v1/windows/{id}/fail", windowHandler.Fail).Methods("POST")

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Clearing engine started", map[string]interface{}{
			"address": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down clearing engine...", nil)

	schedCancel()
	sched.Stop()
	hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Clearing engine forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Clearing engine stopped gracefully", nil)
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"clearing-engine"}`))
}

func readyCheck(db *sqlx.DB, c *cache.RedisCache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable","reason":"database"}`))
			return
		}
		if err := c.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable","reason":"redis"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}
