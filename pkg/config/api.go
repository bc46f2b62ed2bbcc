package config

import "time"

// APIConfig holds runtime configuration for the API service.
type APIConfig struct {
	Environment        string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	LogLevel           string
	IngestWorkers      int
	IngestQueueSize    int
	IngestWriteTimeout time.Duration
	MaxBodyBytes       int64
	ClientWriteLimit   int
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	EventsRedisAddr    string
	EventsRedisPass    string
	EventsRedisDB      int
	EventsRedisChannel string
	ShutdownTimeout    time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables. An empty
// DATABASE_URL selects the in-memory stores.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":4242"),
		DatabaseURL:        GetString("DATABASE_URL", ""),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", ""),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		IngestWorkers:      GetInt("INGEST_WORKERS", 4),
		IngestQueueSize:    GetInt("INGEST_QUEUE_SIZE", 1024),
		IngestWriteTimeout: GetDuration("INGEST_WRITE_TIMEOUT_MS", time.Millisecond, 5*time.Second),
		MaxBodyBytes:       GetInt64("MAX_BODY_BYTES", 1<<20),
		ClientWriteLimit:   GetInt("RATE_LIMIT_CLIENT_WRITES", 600),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		EventsRedisAddr:    GetString("EVENTS_REDIS_ADDR", ""),
		EventsRedisPass:    GetString("EVENTS_REDIS_PASSWORD", ""),
		EventsRedisDB:      GetInt("EVENTS_REDIS_DB", 0),
		EventsRedisChannel: GetString("EVENTS_REDIS_CHANNEL", "togglemetrics:client-events"),
		ShutdownTimeout:    GetDuration("SHUTDOWN_TIMEOUT_SECONDS", time.Second, 10*time.Second),
	}
}
