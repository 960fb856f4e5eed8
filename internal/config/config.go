package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	APIKey             string // API key for authenticating inbound requests (empty = no auth, dev mode)
	CorsAllowedOrigins string

	// Database (task store)
	DatabaseURL string

	// Redis (render queue)
	RedisURL string

	// Backend webhooks
	BackendAPIURL string
	WorkerAPIKey  string

	// Cloudflare R2 (S3-compatible)
	R2EndpointURL     string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicBaseURL   string

	// TTS (Chatterbox narration service)
	TTSBaseURL string
	TTSAPIKey  string

	// Image generation providers
	OpenAIKey            string
	GeminiKey            string
	FreepikKey           string
	DefaultImageProvider string

	// Video generation providers
	LumaKey        string
	KlingAccessKey string
	KlingSecretKey string

	// Directories
	TempDir   string
	OutputDir string
	CacheDir  string

	// Scene scheduling
	SceneWorkers int // bounded pool size for parallel scene rendering

	// Cache store
	CacheEnabled          bool
	CacheTTL              time.Duration
	CacheMaxSizeMB        int
	CacheClearingInterval int // full cache clear every N tasks

	// Resource monitor
	MemoryMonitorEnabled       bool
	MemoryMonitorInterval      time.Duration
	MemoryWarningThresholdMB   int
	MemoryCriticalThresholdMB  int
	MemoryEmergencyThresholdMB int
	MemoryCleanupCooldown      time.Duration

	// Stuck-task sweeper
	TaskTimeout   time.Duration // queued/in-progress tasks older than this are failed
	SweepInterval time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	tempDir := getEnv("TMPDIR", "/tmp/protoreel")

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		APIKey:             getEnv("PROTOREEL_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),

		BackendAPIURL: getEnv("BACKEND_API_URL", "http://localhost:8080"),
		WorkerAPIKey:  getEnv("WORKER_API_KEY", ""),

		R2EndpointURL:     getEnv("R2_ENDPOINT_URL", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2PublicBaseURL:   getEnv("R2_PUBLIC_BASE_URL", ""),

		TTSBaseURL: getEnv("TTS_BASE_URL", "http://localhost:8000"),
		TTSAPIKey:  getEnv("TTS_API_KEY", ""),

		OpenAIKey:            getEnv("OPENAI_API_KEY", ""),
		GeminiKey:            getEnv("GEMINI_API_KEY", ""),
		FreepikKey:           getEnv("FREEPIK_API_KEY", ""),
		DefaultImageProvider: getEnv("DEFAULT_IMAGE_PROVIDER", "gemini"),

		LumaKey:        getEnv("LUMAAI_API_KEY", ""),
		KlingAccessKey: getEnv("KLINGAI_ACCESS_KEY", ""),
		KlingSecretKey: getEnv("KLINGAI_SECRET_KEY", ""),

		TempDir:   tempDir,
		OutputDir: getEnv("OUTPUT_DIR", filepath.Join(tempDir, "generated_videos")),
		CacheDir:  getEnv("CACHE_DIR", filepath.Join(tempDir, "cache")),

		SceneWorkers: getEnvInt("SCENE_WORKERS", 4),

		CacheEnabled:          getEnvBool("CACHE_ENABLED", true),
		CacheTTL:              time.Duration(getEnvInt("CACHE_TTL_HOURS", 1)) * time.Hour,
		CacheMaxSizeMB:        getEnvInt("CACHE_MAX_SIZE_MB", 500),
		CacheClearingInterval: getEnvInt("CACHE_CLEARING_INTERVAL", 5),

		MemoryMonitorEnabled:       getEnvBool("ENABLE_MEMORY_MONITORING", true),
		MemoryMonitorInterval:      time.Duration(getEnvInt("MEMORY_MONITOR_INTERVAL", 20)) * time.Second,
		MemoryWarningThresholdMB:   getEnvInt("MEMORY_WARNING_THRESHOLD_MB", 2500),
		MemoryCriticalThresholdMB:  getEnvInt("MEMORY_CRITICAL_THRESHOLD_MB", 3500),
		MemoryEmergencyThresholdMB: getEnvInt("MEMORY_EMERGENCY_THRESHOLD_MB", 5000),
		MemoryCleanupCooldown:      time.Duration(getEnvInt("MEMORY_CLEANUP_COOLDOWN", 30)) * time.Second,

		TaskTimeout:   time.Duration(getEnvInt("TASK_TIMEOUT_MINUTES", 30)) * time.Minute,
		SweepInterval: time.Duration(getEnvInt("TASK_SWEEP_INTERVAL_MINUTES", 15)) * time.Minute,
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.TTSBaseURL == "" {
		return nil, fmt.Errorf("TTS_BASE_URL is required for narration")
	}

	// At least one image provider must be configured
	if cfg.OpenAIKey == "" && cfg.GeminiKey == "" && cfg.FreepikKey == "" {
		return nil, fmt.Errorf("at least one of OPENAI_API_KEY, GEMINI_API_KEY or FREEPIK_API_KEY is required")
	}

	if cfg.R2EndpointURL == "" || cfg.R2BucketName == "" {
		return nil, fmt.Errorf("R2_ENDPOINT_URL and R2_BUCKET_NAME are required")
	}

	if cfg.SceneWorkers < 1 {
		cfg.SceneWorkers = 1
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}
