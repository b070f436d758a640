package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Mode identifies which of the worker's duties a process instance performs.
type Mode string

const (
	ModeTranscription Mode = "transcription"
	ModeAIJobs        Mode = "ai-jobs"
	ModeBoth          Mode = "both"
)

// Config holds the configuration for the worker.
type Config struct {
	// Store (C1)
	StoreURL        string
	StoreServiceKey string
	StoreDirectURL  string // direct SQL DSN; enables C8's notify path when set

	// Worker identity & mode (C9)
	WorkerID string
	Mode     Mode

	// LiveKit (C6)
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string

	// STT provider (C4)
	STTProviderURL   string
	STTProviderToken string

	// Redis (C8 realtime channel, C10 asynq transport)
	RedisURL string

	// Discovery (C8)
	PollingIntervalMS        int
	RealtimeTimeoutMS        int
	RealtimeRetryIntervalMS  int
	NotifyRetryIntervalMS    int
	RoomClaimCacheDurationMS int
	EnablePollingFallback    bool
	EnableDatabaseNotify     bool

	// Worker manager (C9)
	HeartbeatIntervalMS int
	ReaperIntervalMS    int
	DrainTimeoutMS      int

	// Sink (C3)
	SinkBatchSize       int
	SinkBatchIntervalMS int
	SinkQueueCap        int

	// Utterance aggregator (C4)
	UtteranceFlushIdleMS int
	UtteranceMaxChars    int

	// AI-jobs driver (C10)
	AIJobsPollIntervalMS int
	AIJobsConcurrency    int

	// Ambient
	LogLevel string
	Port     string // optional health endpoint port
}

// Load loads configuration from environment variables and flags.
func Load() (*Config, error) {
	cfg := &Config{}

	// Defaults
	cfg.Mode = ModeTranscription
	cfg.PollingIntervalMS = 5000
	cfg.RealtimeTimeoutMS = 30000
	cfg.RealtimeRetryIntervalMS = 120000
	cfg.RoomClaimCacheDurationMS = 30000
	cfg.EnablePollingFallback = true
	cfg.EnableDatabaseNotify = true
	cfg.NotifyRetryIntervalMS = 5000
	cfg.HeartbeatIntervalMS = 15000
	cfg.ReaperIntervalMS = 60000
	cfg.DrainTimeoutMS = 30000
	cfg.SinkBatchSize = 10
	cfg.SinkBatchIntervalMS = 100
	cfg.SinkQueueCap = 500
	cfg.UtteranceFlushIdleMS = 2000
	cfg.UtteranceMaxChars = 500
	cfg.AIJobsPollIntervalMS = 3000
	cfg.AIJobsConcurrency = 4
	cfg.LogLevel = "info"
	cfg.RedisURL = "redis://127.0.0.1:6379/0"
	cfg.WorkerID = uuid.NewString()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg.StoreURL = getEnv("STORE_URL", "")
	cfg.StoreServiceKey = getEnv("STORE_SERVICE_KEY", "")
	cfg.StoreDirectURL = getEnv("STORE_DIRECT_URL", "")

	if workerID := getEnv("WORKER_ID", ""); workerID != "" {
		cfg.WorkerID = workerID
	}

	if modeStr := getEnv("MODE", string(ModeTranscription)); modeStr != "" {
		switch Mode(modeStr) {
		case ModeTranscription, ModeAIJobs, ModeBoth:
			cfg.Mode = Mode(modeStr)
		default:
			return nil, fmt.Errorf("invalid MODE: %s (must be transcription, ai-jobs, or both)", modeStr)
		}
	}

	cfg.LiveKitURL = getEnv("LIVEKIT_URL", "")
	cfg.LiveKitAPIKey = getEnv("LIVEKIT_API_KEY", "")
	cfg.LiveKitAPISecret = getEnv("LIVEKIT_API_SECRET", "")
	cfg.STTProviderURL = getEnv("STT_PROVIDER_URL", "")
	cfg.STTProviderToken = getEnv("STT_PROVIDER_TOKEN", "")
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Port = getEnv("PORT", "")

	cfg.PollingIntervalMS = getEnvInt("POLLING_INTERVAL_MS", cfg.PollingIntervalMS)
	cfg.HeartbeatIntervalMS = getEnvInt("HEARTBEAT_INTERVAL_MS", cfg.HeartbeatIntervalMS)
	cfg.RealtimeTimeoutMS = getEnvInt("REALTIME_TIMEOUT_MS", cfg.RealtimeTimeoutMS)
	cfg.RealtimeRetryIntervalMS = getEnvInt("REALTIME_RETRY_INTERVAL_MS", cfg.RealtimeRetryIntervalMS)
	cfg.RoomClaimCacheDurationMS = getEnvInt("ROOM_CLAIM_CACHE_DURATION_MS", cfg.RoomClaimCacheDurationMS)
	cfg.EnablePollingFallback = getEnvBool("ENABLE_POLLING_FALLBACK", cfg.EnablePollingFallback)
	cfg.EnableDatabaseNotify = getEnvBool("ENABLE_DATABASE_NOTIFY", cfg.EnableDatabaseNotify)
	cfg.NotifyRetryIntervalMS = getEnvInt("NOTIFY_RETRY_INTERVAL_MS", cfg.NotifyRetryIntervalMS)
	cfg.ReaperIntervalMS = getEnvInt("REAPER_INTERVAL_MS", cfg.ReaperIntervalMS)
	cfg.DrainTimeoutMS = getEnvInt("DRAIN_TIMEOUT_MS", cfg.DrainTimeoutMS)

	cfg.SinkBatchSize = getEnvInt("SINK_BATCH_SIZE", cfg.SinkBatchSize)
	cfg.SinkBatchIntervalMS = getEnvInt("SINK_BATCH_INTERVAL_MS", cfg.SinkBatchIntervalMS)
	cfg.SinkQueueCap = getEnvInt("SINK_QUEUE_CAP", cfg.SinkQueueCap)
	cfg.UtteranceFlushIdleMS = getEnvInt("UTTERANCE_FLUSH_IDLE_MS", cfg.UtteranceFlushIdleMS)
	cfg.UtteranceMaxChars = getEnvInt("UTTERANCE_MAX_CHARS", cfg.UtteranceMaxChars)
	cfg.AIJobsPollIntervalMS = getEnvInt("AI_JOBS_POLL_INTERVAL_MS", cfg.AIJobsPollIntervalMS)
	cfg.AIJobsConcurrency = getEnvInt("AI_JOBS_CONCURRENCY", cfg.AIJobsConcurrency)

	// Override with flags
	modeStr := string(cfg.Mode)
	flag.StringVar(&cfg.StoreURL, "store-url", cfg.StoreURL, "store gateway base URL")
	flag.StringVar(&modeStr, "mode", modeStr, "worker mode: transcription, ai-jobs, or both")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.Parse()

	switch Mode(modeStr) {
	case ModeTranscription, ModeAIJobs, ModeBoth:
		cfg.Mode = Mode(modeStr)
	default:
		return nil, fmt.Errorf("invalid --mode: %s", modeStr)
	}

	if cfg.StoreURL == "" {
		return nil, fmt.Errorf("STORE_URL is required")
	}
	if cfg.StoreServiceKey == "" {
		return nil, fmt.Errorf("STORE_SERVICE_KEY is required")
	}
	if !cfg.EnableDatabaseNotify || cfg.StoreDirectURL == "" {
		cfg.EnableDatabaseNotify = false
	}
	if cfg.Mode != ModeAIJobs {
		if cfg.LiveKitURL == "" {
			return nil, fmt.Errorf("LIVEKIT_URL is required")
		}
		if cfg.LiveKitAPIKey == "" {
			return nil, fmt.Errorf("LIVEKIT_API_KEY is required")
		}
		if cfg.LiveKitAPISecret == "" {
			return nil, fmt.Errorf("LIVEKIT_API_SECRET is required")
		}
	}

	return cfg, nil
}

// HeartbeatInterval returns the heartbeat tick as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// PollingInterval returns the C8 polling tick as a time.Duration.
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingIntervalMS) * time.Millisecond
}

// RoomClaimCacheDuration returns the dedup window as a time.Duration.
func (c *Config) RoomClaimCacheDuration() time.Duration {
	return time.Duration(c.RoomClaimCacheDurationMS) * time.Millisecond
}

// SinkBatchInterval returns C3's age-triggered flush interval.
func (c *Config) SinkBatchInterval() time.Duration {
	return time.Duration(c.SinkBatchIntervalMS) * time.Millisecond
}

// UtteranceFlushIdle returns C4's idle-flush timer duration.
func (c *Config) UtteranceFlushIdle() time.Duration {
	return time.Duration(c.UtteranceFlushIdleMS) * time.Millisecond
}

// AIJobsPollInterval returns C10's poll tick as a time.Duration.
func (c *Config) AIJobsPollInterval() time.Duration {
	return time.Duration(c.AIJobsPollIntervalMS) * time.Millisecond
}

// RealtimeRetryInterval returns C8's realtime-notifier reconnect backoff.
func (c *Config) RealtimeRetryInterval() time.Duration {
	return time.Duration(c.RealtimeRetryIntervalMS) * time.Millisecond
}

// RealtimeTimeout returns the staleness threshold past which the realtime
// notifier is no longer considered healthy.
func (c *Config) RealtimeTimeout() time.Duration {
	return time.Duration(c.RealtimeTimeoutMS) * time.Millisecond
}

// NotifyRetryInterval returns C8's database-notify reconnect backoff.
func (c *Config) NotifyRetryInterval() time.Duration {
	return time.Duration(c.NotifyRetryIntervalMS) * time.Millisecond
}

// ReaperInterval returns C9's periodic stale-worker reaper tick.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalMS) * time.Millisecond
}

// DrainTimeout returns how long graceful shutdown waits for the active room
// to finalize before forcing a teardown.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutMS) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
