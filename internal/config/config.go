package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if present; ignore errors (file is optional).
	_ = godotenv.Load()
}

// Config is the top-level threadvault configuration.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.threadvault/data. Override: THREADVAULT_DATA_DIR env var.
	Log           LogConfig            `json:"log" yaml:"log"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under data_dir
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Maintenance   *MaintenanceConfig   `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`     // nil = no scheduled maintenance
	Client        *ClientConfig        `json:"client,omitempty" yaml:"client,omitempty"`               // Used by the history command.
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error".
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// SlogLevel returns the configured level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger on w.
func (l LogConfig) NewLogger(w *os.File) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.SlogLevel()}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default), "postgres" or "memory".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/threadvault.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: THREADVAULT_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// GatewayConfig holds the HTTP API and WebSocket ingestion settings.
type GatewayConfig struct {
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"`                             // API key → client ID. Empty = no auth. THREADVAULT_API_KEY adds a "default" client.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body limit with a default of 1 MiB.
func (h *HTTPGatewayConfig) MaxRequestSize() int64 {
	if h != nil && h.MaxRequestSizeBytes > 0 {
		return h.MaxRequestSizeBytes
	}
	return 1 << 20
}

// WebSocketGatewayConfig configures stream ingestion over WebSocket.
type WebSocketGatewayConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Path            string `json:"path" yaml:"path"`                           // Default: "/v1/stream".
	Token           string `json:"token" yaml:"token"`                         // Shared bearer token. Empty = no auth. Override: THREADVAULT_WS_TOKEN.
	ReadLimitBytes  int64  `json:"read_limit_bytes" yaml:"read_limit_bytes"`   // Max frame size. Default: 1 MiB.
	PersistTimeoutS int    `json:"persist_timeout_s" yaml:"persist_timeout_s"` // Timeout for persisting a run. Default: 30.
	PingIntervalS   int    `json:"ping_interval_s" yaml:"ping_interval_s"`     // Keepalive ping interval. Default: 30.
}

// WSPath returns the WebSocket path with a default of "/v1/stream".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/v1/stream"
}

// ReadLimit returns the max frame size with a default of 1 MiB.
func (w *WebSocketGatewayConfig) ReadLimit() int64 {
	if w != nil && w.ReadLimitBytes > 0 {
		return w.ReadLimitBytes
	}
	return 1 << 20
}

// PersistTimeout returns the run persist timeout with a default of 30s.
func (w *WebSocketGatewayConfig) PersistTimeout() time.Duration {
	if w != nil && w.PersistTimeoutS > 0 {
		return time.Duration(w.PersistTimeoutS) * time.Second
	}
	return 30 * time.Second
}

// PingInterval returns the keepalive ping interval with a default of 30s.
func (w *WebSocketGatewayConfig) PingInterval() time.Duration {
	if w != nil && w.PingIntervalS > 0 {
		return time.Duration(w.PingIntervalS) * time.Second
	}
	return 30 * time.Second
}

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig groups metrics, tracing and health settings.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the metrics path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "threadvault"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures the readiness checks.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// AnomalyConfig configures threshold-based detection of store error spikes.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// MaintenanceConfig configures scheduled housekeeping jobs.
type MaintenanceConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	EvictSchedule  string `json:"evict_schedule" yaml:"evict_schedule"`       // Cron expression. Default: "*/10 * * * *".
	IdleTTLSeconds int    `json:"idle_ttl_seconds" yaml:"idle_ttl_seconds"` // Threads idle this long are evicted. Default: 1800.
}

// Schedule returns the eviction cron expression with a default of every 10 minutes.
func (m *MaintenanceConfig) Schedule() string {
	if m != nil && m.EvictSchedule != "" {
		return m.EvictSchedule
	}
	return "*/10 * * * *"
}

// IdleTTL returns the eviction threshold with a default of 30 minutes.
func (m *MaintenanceConfig) IdleTTL() time.Duration {
	if m != nil && m.IdleTTLSeconds > 0 {
		return time.Duration(m.IdleTTLSeconds) * time.Second
	}
	return 30 * time.Minute
}

// ClientConfig configures the HTTP store client used by CLI commands.
type ClientConfig struct {
	GatewayURL     string `json:"gateway_url" yaml:"gateway_url"`         // Override: THREADVAULT_GATEWAY_URL.
	APIKey         string `json:"api_key" yaml:"api_key"`                 // Override: THREADVAULT_API_KEY.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"` // Default: 30.
}

// URL returns the gateway URL with a default of "http://localhost:8080".
func (c *ClientConfig) URL() string {
	if c != nil && c.GatewayURL != "" {
		return c.GatewayURL
	}
	return "http://localhost:8080"
}

// Timeout returns the request timeout with a default of 30s.
func (c *ClientConfig) Timeout() time.Duration {
	if c != nil && c.TimeoutSeconds > 0 {
		return time.Duration(c.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// DefaultConfigPath returns the default config file path (~/.threadvault/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/threadvault.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".threadvault", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over config values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	return finish(&cfg)
}

// LoadOptional is Load, except that a missing file yields the defaults.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return finish(&Config{})
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	applyEnv(cfg)

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.DataDir = filepath.Join(home, ".threadvault", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if envDD := os.Getenv("THREADVAULT_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}

	if envDSN := os.Getenv("THREADVAULT_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}

	if envKey := os.Getenv("THREADVAULT_API_KEY"); envKey != "" {
		if cfg.Gateway.HTTP == nil {
			cfg.Gateway.HTTP = &HTTPGatewayConfig{}
		}
		if cfg.Gateway.HTTP.APIKeys == nil {
			cfg.Gateway.HTTP.APIKeys = make(map[string]string)
		}
		cfg.Gateway.HTTP.APIKeys[envKey] = "default"

		if cfg.Client == nil {
			cfg.Client = &ClientConfig{}
		}
		cfg.Client.APIKey = envKey
	}

	if envURL := os.Getenv("THREADVAULT_GATEWAY_URL"); envURL != "" {
		if cfg.Client == nil {
			cfg.Client = &ClientConfig{}
		}
		cfg.Client.GatewayURL = envURL
	}

	if envToken := os.Getenv("THREADVAULT_WS_TOKEN"); envToken != "" {
		if cfg.Gateway.WebSocket == nil {
			cfg.Gateway.WebSocket = &WebSocketGatewayConfig{}
		}
		cfg.Gateway.WebSocket.Token = envToken
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".threadvault", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path, defaulting to a file under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "threadvault.db")
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

// MetricsEnabled reports whether the Prometheus endpoint is enabled.
func (c *Config) MetricsEnabled() bool {
	return c.Observability != nil && c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}

func (c *Config) validate() error {
	switch c.StorageDriverName() {
	case "sqlite", "memory":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set THREADVAULT_DB_DSN)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or memory)", c.Storage.Driver)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("log.format %q is not supported (use json or text)", c.Log.Format)
	}

	if h := c.Gateway.HTTP; h != nil {
		if h.MaxRequestSizeBytes < 0 {
			return fmt.Errorf("gateway.http.max_request_size_bytes must not be negative")
		}
		if h.RateLimit.RequestsPerMinute < 0 || h.RateLimit.BurstSize < 0 {
			return fmt.Errorf("gateway.http.rate_limit values must not be negative")
		}
		for key, client := range h.APIKeys {
			if key == "" || client == "" {
				return fmt.Errorf("gateway.http.api_keys entries need a non-empty key and client id")
			}
		}
	}

	if ws := c.Gateway.WebSocket; ws != nil && ws.Enabled {
		if !strings.HasPrefix(ws.WSPath(), "/") {
			return fmt.Errorf("gateway.websocket.path must start with /")
		}
	}

	if t := c.tracing(); t != nil && t.Enabled {
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch t.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}

	if c.Observability != nil {
		if a := c.Observability.Anomaly; a != nil && a.Enabled && (a.ErrorRateThreshold <= 0 || a.ErrorRateThreshold > 1) {
			return fmt.Errorf("observability.anomaly.error_rate_threshold must be in (0, 1]")
		}
	}

	if m := c.Maintenance; m != nil && m.IdleTTLSeconds < 0 {
		return fmt.Errorf("maintenance.idle_ttl_seconds must not be negative")
	}

	if c.Client != nil && c.Client.TimeoutSeconds < 0 {
		return fmt.Errorf("client.timeout_seconds must not be negative")
	}
	return nil
}

func (c *Config) tracing() *TracingConfig {
	if c.Observability == nil {
		return nil
	}
	return c.Observability.Tracing
}
