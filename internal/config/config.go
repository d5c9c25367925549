// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage, synchronization tuning, push transport selection, rate
// limiting, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "incident-sync")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// SyncConfig tunes the synchronization engine.
type SyncConfig struct {
	LocalActorID  string
	DwellWindow   time.Duration
	PollInterval  time.Duration
	PollPageSize  int
	PollMaxPages  int
	PollRPS       float64 // shared snapshot budget across topics; 0 disables
	PollBurst     int
	TypingTimeout time.Duration
	ConfirmGrace  time.Duration
	TickInterval  time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64
}

// Push drivers.
const (
	PushMemory    = "memory"
	PushRedis     = "redis"
	PushWebsocket = "websocket"
	PushNone      = "none"
)

// PushConfig selects and configures the push transport.
type PushConfig struct {
	Driver           string // memory|redis|websocket|none
	RedisAddr        string
	RedisPingEvery   time.Duration
	WSURL            string
	WSMaxReconnects  int
	WSReconnectDelay time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s; streams are exempt
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBPath string // SQLite path

	Sync SyncConfig
	Push PushConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		DBPath: getenv("DB_PATH", "collab.db"),

		Sync: SyncConfig{
			LocalActorID:  strings.TrimSpace(getenv("LOCAL_ACTOR_ID", "anonymous")),
			DwellWindow:   getdur("DWELL_WINDOW", 5*time.Second),
			PollInterval:  getdur("POLL_INTERVAL", 30*time.Second),
			PollPageSize:  getint("POLL_PAGE_SIZE", 50),
			PollMaxPages:  getint("POLL_MAX_PAGES", 5),
			PollRPS:       getfloat("POLL_RPS", 2),
			PollBurst:     getint("POLL_BURST", 4),
			TypingTimeout: getdur("TYPING_TIMEOUT", 3*time.Second),
			ConfirmGrace:  getdur("CONFIRM_GRACE", 30*time.Second),
			TickInterval:  getdur("TICK_INTERVAL", 250*time.Millisecond),

			RetryMaxAttempts: getint("RETRY_MAX_ATTEMPTS", 5),
			RetryBaseDelay:   getdur("RETRY_BASE_DELAY", 500*time.Millisecond),
			RetryMaxDelay:    getdur("RETRY_MAX_DELAY", 30*time.Second),
			RetryJitter:      getfloat("RETRY_JITTER", 0.2),
		},

		Push: PushConfig{
			Driver:           strings.ToLower(strings.TrimSpace(getenv("PUSH_DRIVER", PushMemory))),
			RedisAddr:        getenv("PUSH_REDIS_ADDR", "localhost:6379"),
			RedisPingEvery:   getdur("PUSH_REDIS_PING_INTERVAL", 2*time.Second),
			WSURL:            getenv("PUSH_WS_URL", ""),
			WSMaxReconnects:  getint("PUSH_WS_MAX_RECONNECTS", 5),
			WSReconnectDelay: getdur("PUSH_WS_RECONNECT_DELAY", time.Second),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "incident-sync"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if err := cfg.Sync.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Push.validate(); err != nil {
		return cfg, err
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func (s SyncConfig) validate() error {
	switch {
	case s.LocalActorID == "":
		return errors.New("LOCAL_ACTOR_ID must not be empty")
	case s.DwellWindow < 0:
		return errors.New("DWELL_WINDOW must be >= 0")
	case s.PollInterval <= 0 || s.TypingTimeout <= 0 || s.ConfirmGrace <= 0 || s.TickInterval <= 0:
		return errors.New("POLL_INTERVAL, TYPING_TIMEOUT, CONFIRM_GRACE and TICK_INTERVAL must be positive")
	case s.PollPageSize < 1 || s.PollMaxPages < 1:
		return errors.New("POLL_PAGE_SIZE and POLL_MAX_PAGES must be >= 1")
	case s.PollRPS < 0:
		return errors.New("POLL_RPS must be >= 0")
	case s.PollRPS > 0 && s.PollBurst < 1:
		return errors.New("POLL_BURST must be >= 1")
	case s.RetryMaxAttempts < 1:
		return errors.New("RETRY_MAX_ATTEMPTS must be >= 1")
	case s.RetryBaseDelay <= 0 || s.RetryMaxDelay < s.RetryBaseDelay:
		return errors.New("RETRY_BASE_DELAY must be > 0 and <= RETRY_MAX_DELAY")
	case s.RetryJitter < 0 || s.RetryJitter > 1:
		return errors.New("RETRY_JITTER must be in [0,1]")
	}
	return nil
}

func (p PushConfig) validate() error {
	switch p.Driver {
	case PushMemory, PushNone:
	case PushRedis:
		if strings.TrimSpace(p.RedisAddr) == "" {
			return errors.New("PUSH_REDIS_ADDR must not be empty for the redis driver")
		}
		if p.RedisPingEvery <= 0 {
			return errors.New("PUSH_REDIS_PING_INTERVAL must be > 0")
		}
	case PushWebsocket:
		if !strings.HasPrefix(p.WSURL, "ws://") && !strings.HasPrefix(p.WSURL, "wss://") {
			return errors.New("PUSH_WS_URL must be a ws:// or wss:// URL for the websocket driver")
		}
		if p.WSMaxReconnects < 0 {
			return errors.New("PUSH_WS_MAX_RECONNECTS must be >= 0")
		}
	default:
		return errors.New("PUSH_DRIVER must be one of: memory, redis, websocket, none")
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
