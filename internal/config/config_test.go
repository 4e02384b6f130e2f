package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
data_dir: /tmp/tv
log:
  level: debug
  format: text
storage:
  driver: memory
gateway:
  http:
    listen_addr: ":9090"
    api_keys:
      secret: web
    rate_limit:
      requests_per_minute: 60
      burst_size: 10
  websocket:
    enabled: true
maintenance:
  enabled: true
  evict_schedule: "@every 5m"
  idle_ttl_seconds: 60
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/tv" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.StorageDriverName() != "memory" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}
	if got := cfg.Gateway.HTTP.Addr(); got != ":9090" {
		t.Errorf("Addr = %q", got)
	}
	if got := cfg.Gateway.HTTP.APIKeys["secret"]; got != "web" {
		t.Errorf("api key client = %q", got)
	}
	if got := cfg.Gateway.WebSocket.WSPath(); got != "/v1/stream" {
		t.Errorf("WSPath = %q", got)
	}
	if got := cfg.Maintenance.Schedule(); got != "@every 5m" {
		t.Errorf("Schedule = %q", got)
	}
	if got := cfg.Maintenance.IdleTTL(); got != time.Minute {
		t.Errorf("IdleTTL = %v", got)
	}
	if cfg.Log.SlogLevel().String() != "DEBUG" {
		t.Errorf("level = %v", cfg.Log.SlogLevel())
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{"storage":{"driver":"sqlite","sqlite":{"path":"/tmp/x.db"}}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.DatabasePath(); got != "/tmp/x.db" {
		t.Errorf("DatabasePath = %q", got)
	}
}

func TestDefaults(t *testing.T) {
	var (
		h  *HTTPGatewayConfig
		ws *WebSocketGatewayConfig
		m  *MaintenanceConfig
		c  *ClientConfig
		s  *StorageConfig
	)
	if h.Addr() != ":8080" || h.MaxRequestSize() != 1<<20 {
		t.Error("unexpected HTTP defaults")
	}
	if ws.WSPath() != "/v1/stream" || ws.ReadLimit() != 1<<20 || ws.PersistTimeout() != 30*time.Second {
		t.Error("unexpected WebSocket defaults")
	}
	if m.Schedule() != "*/10 * * * *" || m.IdleTTL() != 30*time.Minute {
		t.Error("unexpected maintenance defaults")
	}
	if c.URL() != "http://localhost:8080" || c.Timeout() != 30*time.Second {
		t.Error("unexpected client defaults")
	}
	if s.StorageDriver() != "sqlite" {
		t.Error("unexpected storage default")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("THREADVAULT_DATA_DIR", "/var/lib/tv")
	t.Setenv("THREADVAULT_DB_DSN", "postgres://u:p@localhost/tv")
	t.Setenv("THREADVAULT_API_KEY", "k1")
	t.Setenv("THREADVAULT_GATEWAY_URL", "http://tv:8080")
	t.Setenv("THREADVAULT_WS_TOKEN", "tok")

	path := writeConfig(t, "config.yaml", "storage:\n  driver: postgres\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/tv" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Storage.Postgres.DSN != "postgres://u:p@localhost/tv" {
		t.Errorf("DSN = %q", cfg.Storage.Postgres.DSN)
	}
	if cfg.Gateway.HTTP.APIKeys["k1"] != "default" {
		t.Errorf("api keys = %v", cfg.Gateway.HTTP.APIKeys)
	}
	if cfg.Client.APIKey != "k1" || cfg.Client.URL() != "http://tv:8080" {
		t.Errorf("client = %+v", cfg.Client)
	}
	if cfg.Gateway.WebSocket.Token != "tok" {
		t.Errorf("ws token = %q", cfg.Gateway.WebSocket.Token)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown driver", "storage:\n  driver: mongo\n", "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", "storage.postgres.dsn"},
		{"bad log format", "log:\n  format: xml\n", "log.format"},
		{"negative rate", "gateway:\n  http:\n    rate_limit:\n      requests_per_minute: -1\n", "rate_limit"},
		{"tracing without endpoint", "observability:\n  tracing:\n    enabled: true\n", "tracing.endpoint"},
		{"bad sample rate", "observability:\n  tracing:\n    enabled: true\n    endpoint: x:4317\n    sample_rate: 2\n", "sample_rate"},
		{"bad ws path", "gateway:\n  websocket:\n    enabled: true\n    path: stream\n", "websocket.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("THREADVAULT_DB_DSN", "")
			_, err := Load(writeConfig(t, "config.yaml", tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	t.Setenv("THREADVAULT_DATA_DIR", "")
	cfg, err := LoadOptional(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg.StorageDriverName() != "sqlite" {
		t.Errorf("driver = %q", cfg.StorageDriverName())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load should fail on a missing file")
	}
}
