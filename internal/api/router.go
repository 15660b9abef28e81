package api

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/mnemora/mnemora/internal/api/handlers"
	mw "github.com/mnemora/mnemora/internal/api/middleware"
	"github.com/mnemora/mnemora/internal/config"
	"github.com/mnemora/mnemora/internal/domain"
	"github.com/mnemora/mnemora/internal/embedding"
	"github.com/mnemora/mnemora/internal/llm"
	"github.com/mnemora/mnemora/internal/service"
	"github.com/mnemora/mnemora/internal/store"
)

// App holds the router and background services for lifecycle management.
type App struct {
	Router    *chi.Mux
	Scheduler *service.Scheduler
	Reflect   *service.ReflectService
	Usage     *service.UsageTracker

	startTime    time.Time
	requestCount atomic.Int64
	errorCount   atomic.Int64
}

func NewApp(db *pgxpool.Pool, logger *zap.Logger) *App {
	// Stores
	memoryStore := store.NewMemoryStore(db)
	pendingEdgeStore := store.NewPendingEdgeStore(db)
	entityStore := store.NewEntityStore(db)
	episodeStore := store.NewEpisodeStore(db)
	reflectJobStore := store.NewReflectJobStore(db)
	settingsStore := store.NewSettingsStore(db)
	usageStore := store.NewUsageStore(db)

	embeddingClient, err := embedding.NewClient(
		config.EmbeddingProvider(),
		config.VoyageAPIKey(),
		config.EmbeddingEndpoint(),
		config.EmbeddingModel(),
		logger,
	)
	if err != nil {
		logger.Warn("embedding client initialization failed, using mock", zap.Error(err))
		embeddingClient = embedding.NewMockClient()
	}
	logger.Info("embedding client initialized", zap.String("model", embeddingClient.Model()))

	// Services
	usageTracker := service.NewUsageTracker(usageStore, logger)
	embeddingClient.OnUsage(usageTracker.HandleUsage)

	detector := service.NewContradictionDetector(memoryStore, logger)
	memorySvc := service.NewMemoryService(memoryStore, embeddingClient, detector, usageTracker, logger)
	recallSvc := service.NewRecallService(memoryStore, embeddingClient, usageTracker, logger)
	lifecycleSvc := service.NewLifecycleService(memoryStore, logger)
	graphSvc := service.NewGraphService(memoryStore, pendingEdgeStore, logger)
	analyticsSvc := service.NewAnalyticsService(memoryStore, logger)
	settingsSvc := service.NewSettingsService(settingsStore, service.DaemonDefaults{
		SemanticLevel: domain.SemanticLevel(config.SemanticLevel()),
		LLM: domain.LLMConfig{
			Endpoint:  config.LLMEndpoint(),
			Model:     config.LLMModel(),
			TimeoutMs: config.LLMTimeoutMs(),
		},
	}, logger)

	llmFactory := func(cfg domain.LLMConfig) domain.LLMClient {
		if cfg.Endpoint == "" || cfg.Model == "" {
			return nil
		}
		return llm.NewClient(config.LLMAPIKey(), cfg)
	}
	reflectSvc := service.NewReflectService(
		reflectJobStore, memoryStore, episodeStore, entityStore,
		embeddingClient, detector, lifecycleSvc, recallSvc, graphSvc,
		settingsSvc, usageTracker, llmFactory, logger,
	)

	scheduler := service.NewScheduler(service.SchedulerConfig{
		DecayEnabled: config.DecayEnabled(),
		Interval:     time.Duration(config.DecayIntervalHours()) * time.Hour,
		TimeOfDay:    config.DecayTimeOfDay(),
	}, lifecycleSvc, memoryStore, logger)

	// Handlers
	memoryHandler := handlers.NewMemoryHandler(memorySvc, recallSvc)
	analyticsHandler := handlers.NewAnalyticsHandler(analyticsSvc)
	graphHandler := handlers.NewGraphHandler(graphSvc)
	reflectHandler := handlers.NewReflectHandler(reflectSvc)
	settingsHandler := handlers.NewSettingsHandler(settingsSvc)
	usageHandler := handlers.NewUsageHandler(usageTracker)

	r := chi.NewRouter()
	app := &App{
		Router:    r,
		Scheduler: scheduler,
		Reflect:   reflectSvc,
		Usage:     usageTracker,
		startTime: time.Now(),
	}

	metricsCollector := mw.NewMetricsCollector(&app.requestCount, &app.errorCount)

	// Global middleware (order matters)
	r.Use(mw.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metricsCollector.Middleware)
	r.Use(mw.Logging(logger))
	r.Use(middleware.Recoverer)
	r.Use(mw.RateLimit(config.RateLimitRPS(), config.RateLimitBurst()))

	// Health and metrics (no auth)
	r.Get("/health", healthHandler(db))
	r.Get("/metrics", app.metricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(mw.APIKeyAuth(config.APIKey()))

		r.Route("/memories", func(r chi.Router) {
			r.Post("/", memoryHandler.Remember)
			r.Get("/", memoryHandler.List)
			r.Get("/recall", memoryHandler.Recall)
			r.Get("/export", memoryHandler.Export)
			r.Post("/restore", memoryHandler.Restore)
			r.Get("/timeline", analyticsHandler.Timeline)
			r.Get("/wordcloud", analyticsHandler.Wordcloud)
			r.Get("/projection", analyticsHandler.Projection)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", memoryHandler.GetByID)
				r.Delete("/", memoryHandler.Forget)
				r.Post("/resolve", memoryHandler.ResolveContradiction)
			})
		})

		r.Route("/agents/{agentId}", func(r chi.Router) {
			r.Delete("/memories", memoryHandler.Clear)
			r.Delete("/memories/purge", memoryHandler.Purge)
			r.Get("/settings", settingsHandler.Get)
			r.Put("/settings", settingsHandler.Upsert)
			r.Delete("/settings", settingsHandler.Delete)
			r.Get("/settings/resolved", settingsHandler.Resolved)
		})

		r.Route("/graph", func(r chi.Router) {
			r.Get("/pending", graphHandler.ListPending)
			r.Post("/pending/{id}/approve", graphHandler.Approve)
			r.Post("/pending/{id}/reject", graphHandler.Reject)
			r.Post("/pending/approve-batch", graphHandler.ApproveBatch)
			r.Post("/edges", graphHandler.CreateEdge)
			r.Get("/nodes/{id}", graphHandler.GetNode)
			r.Get("/nodes/{id}/traverse", graphHandler.Traverse)
		})

		r.Route("/reflect", func(r chi.Router) {
			r.Post("/", reflectHandler.Trigger)
			r.Get("/jobs", reflectHandler.ListJobs)
			r.Get("/jobs/{id}", reflectHandler.GetJob)
		})

		r.Route("/usage", func(r chi.Router) {
			r.Get("/summary", usageHandler.Summary)
			r.Get("/totals", usageHandler.RunningTotals)
		})
	})

	return app
}

func healthHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func (app *App) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)

		uptime := time.Since(app.startTime)
		response := map[string]any{
			"uptime_seconds": uptime.Seconds(),
			"uptime_human":   uptime.Round(time.Second).String(),
			"request_count":  app.requestCount.Load(),
			"error_count":    app.errorCount.Load(),
			"goroutines":     runtime.NumGoroutine(),
			"memory": map[string]any{
				"alloc_mb":       float64(memStats.Alloc) / 1024 / 1024,
				"total_alloc_mb": float64(memStats.TotalAlloc) / 1024 / 1024,
				"sys_mb":         float64(memStats.Sys) / 1024 / 1024,
				"num_gc":         memStats.NumGC,
			},
			"go_version": runtime.Version(),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Ensure stores and clients satisfy interfaces at compile time.
var (
	_ domain.MemoryStore      = (*store.MemoryStore)(nil)
	_ domain.PendingEdgeStore = (*store.PendingEdgeStore)(nil)
	_ domain.EntityStore      = (*store.EntityStore)(nil)
	_ domain.EpisodeStore     = (*store.EpisodeStore)(nil)
	_ domain.ReflectJobStore  = (*store.ReflectJobStore)(nil)
	_ domain.SettingsStore    = (*store.SettingsStore)(nil)
	_ domain.UsageStore       = (*store.UsageStore)(nil)
	_ domain.EmbeddingClient  = (*embedding.VoyageClient)(nil)
	_ domain.EmbeddingClient  = (*embedding.MockClient)(nil)
	_ domain.LLMClient        = (*llm.Client)(nil)
	_ domain.LLMClient        = (*llm.MockClient)(nil)
)
