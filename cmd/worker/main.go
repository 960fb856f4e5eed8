package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/protoreel/worker/internal/api"
	"github.com/protoreel/worker/internal/cache"
	"github.com/protoreel/worker/internal/cleanup"
	"github.com/protoreel/worker/internal/config"
	"github.com/protoreel/worker/internal/db"
	"github.com/protoreel/worker/internal/models"
	"github.com/protoreel/worker/internal/monitor"
	"github.com/protoreel/worker/internal/queue"
	"github.com/protoreel/worker/internal/scheduler"
	"github.com/protoreel/worker/internal/services"
	"github.com/protoreel/worker/internal/storage"
	"github.com/protoreel/worker/internal/task"
	"github.com/protoreel/worker/internal/webhook"
	"github.com/protoreel/worker/internal/worker"
)

func main() {
	log.Println("Starting ProtoReel worker...")

	// SIGINT/SIGTERM cancel this context; everything downstream observes
	// shutdown as context cancellation.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize R2 storage
	stor, err := storage.New(ctx, storage.Config{
		EndpointURL:     cfg.R2EndpointURL,
		AccessKeyID:     cfg.R2AccessKeyID,
		SecretAccessKey: cfg.R2SecretAccessKey,
		Bucket:          cfg.R2BucketName,
		PublicBaseURL:   cfg.R2PublicBaseURL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize R2 storage: %v", err)
	}
	log.Println("Initialized R2 storage")

	// Artifact cache; disabled runs as a pass-through store so the render
	// path never has to branch on caching
	var store *cache.Store
	if cfg.CacheEnabled {
		store = cache.New(cfg.CacheDir, cfg.CacheTTL, cfg.CacheMaxSizeMB)
		log.Printf("Cache enabled at %s (TTL %s, cap %dMB)", cfg.CacheDir, cfg.CacheTTL, cfg.CacheMaxSizeMB)
	} else {
		store = cache.NewDisabled()
		log.Println("Cache disabled")
	}

	cleaner := cleanup.New(cfg.TempDir, store, cfg.CacheClearingInterval)

	// Memory monitor, wired to the cleanup coordinator
	var mon *monitor.Monitor
	if cfg.MemoryMonitorEnabled {
		mon, err = monitor.New(monitor.Config{
			Interval:    cfg.MemoryMonitorInterval,
			WarningMB:   cfg.MemoryWarningThresholdMB,
			CriticalMB:  cfg.MemoryCriticalThresholdMB,
			EmergencyMB: cfg.MemoryEmergencyThresholdMB,
			Cooldown:    cfg.MemoryCleanupCooldown,
		}, cleaner.OnMemoryPressure)
		if err != nil {
			log.Fatalf("Failed to initialize memory monitor: %v", err)
		}
		mon.Start(ctx)
		log.Printf("Memory monitor enabled (warn %dMB / critical %dMB / emergency %dMB)",
			cfg.MemoryWarningThresholdMB, cfg.MemoryCriticalThresholdMB, cfg.MemoryEmergencyThresholdMB)
	}

	// Services
	ttsSvc := services.NewChatterboxService(cfg.TTSBaseURL, cfg.TTSAPIKey)
	ffmpegSvc, err := services.NewFFmpegService(cfg.TempDir)
	if err != nil {
		log.Fatalf("Failed to initialize ffmpeg: %v", err)
	}

	imageProviders := map[models.ImageProvider]worker.ImageProvider{}
	var openaiSvc *services.OpenAIService
	if cfg.OpenAIKey != "" {
		openaiSvc = services.NewOpenAIService(cfg.OpenAIKey)
		imageProviders[models.ImageProviderOpenAI] = openaiSvc
		log.Println("Image provider: OpenAI enabled")
	}
	var geminiSvc *services.GeminiService
	if cfg.GeminiKey != "" {
		geminiSvc = services.NewGeminiService(cfg.GeminiKey)
		imageProviders[models.ImageProviderGemini] = geminiSvc
		log.Println("Image provider: Gemini enabled")
	}
	if cfg.FreepikKey != "" {
		imageProviders[models.ImageProviderFreepik] = services.NewFreepikService(cfg.FreepikKey)
		log.Println("Image provider: Freepik enabled")
	}

	var lumaSvc *services.LumaService
	if cfg.LumaKey != "" {
		lumaSvc = services.NewLumaService(cfg.LumaKey)
		log.Println("Video generation: LumaAI enabled")
	}
	var klingSvc *services.KlingService
	if cfg.KlingAccessKey != "" && cfg.KlingSecretKey != "" {
		klingSvc = services.NewKlingService(cfg.KlingAccessKey, cfg.KlingSecretKey)
		log.Println("Video generation: KlingAI enabled")
	}

	// Scheduler polls the monitor between scenes; nil gate when disabled
	var gate scheduler.MemoryGate
	if mon != nil {
		gate = mon
	}
	sched := scheduler.New(cfg.SceneWorkers, gate)

	hooks := webhook.New(cfg.BackendAPIURL, cfg.WorkerAPIKey)
	guard := task.NewGuard(database, hooks, cleaner)

	renderer := worker.NewRenderer(
		cfg, store, cleaner, sched,
		ttsSvc, openaiSvc, geminiSvc, lumaSvc, klingSvc, ffmpegSvc, stor,
		imageProviders,
	)

	w := worker.New(database, q, guard, renderer, mon)

	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting queue consumer...")
		go w.Start(ctx)
		go w.StartSweeper(ctx, cfg.SweepInterval, cfg.TaskTimeout)
	}

	// HTTP API
	handler := api.NewHandler(database, q, guard, renderer, store)
	router := api.NewRouter(handler, api.RouterConfig{
		APIKey:             cfg.APIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.APIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No PROTOREEL_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down...")

	// In-flight renders observe ctx cancellation and fail through the guard,
	// recording terminal statuses before the process exits.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Worker exited")
}
