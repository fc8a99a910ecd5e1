package offgate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func minimalConfig() Config {
	var cfg Config
	cfg.App.ID = "campus"
	cfg.App.Version = "1.2.3"
	cfg.Server.Origin = "http://origin.local/"
	return cfg
}

func TestNormalizeDefaults(t *testing.T) {
	cfg := minimalConfig()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.Origin != "http://origin.local" {
		t.Errorf("expected trimmed origin, got %q", cfg.Server.Origin)
	}
	if cfg.Routing.APIMarker != "/api/" {
		t.Errorf("expected default apiMarker, got %q", cfg.Routing.APIMarker)
	}
	if cfg.Routing.ShellPath != "/index.html" {
		t.Errorf("expected default shellPath, got %q", cfg.Routing.ShellPath)
	}
	if cfg.Network.timeoutDur != 10*time.Second {
		t.Errorf("expected 10s default timeout, got %s", cfg.Network.timeoutDur)
	}
	if cfg.Precache.Retries != 1 {
		t.Errorf("expected 1 default retry, got %d", cfg.Precache.Retries)
	}
	if cfg.Outbox.replayEveryDur != time.Minute {
		t.Errorf("expected 1m default replay interval, got %s", cfg.Outbox.replayEveryDur)
	}
}

func TestTierNamesDeriveFromAppVersion(t *testing.T) {
	cfg := minimalConfig()
	if err := cfg.normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got := cfg.StaticTierName(); got != "campus-static-v1.2.3" {
		t.Errorf("static tier name: %q", got)
	}
	if got := cfg.DataTierName(); got != "campus-data-v1.2.3" {
		t.Errorf("data tier name: %q", got)
	}
}

func TestNormalizeValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing app id", func(c *Config) { c.App.ID = "" }, "app.id"},
		{"missing version", func(c *Config) { c.App.Version = "" }, "app.version"},
		{"missing origin", func(c *Config) { c.Server.Origin = "" }, "server.origin"},
		{"bad timeout", func(c *Config) { c.Network.Timeout = "soon" }, "network.timeout"},
		{"bad ram size", func(c *Config) { c.Storage.RAM.Max = "lots" }, "storage.ram.max"},
		{"bad replay interval", func(c *Config) { c.Outbox.ReplayEvery = "often" }, "outbox.replayEvery"},
		{"relative shell path", func(c *Config) { c.Routing.ShellPath = "index.html" }, "shellPath"},
		{"empty asset", func(c *Config) { c.Precache.Assets = []string{""} }, "precache.assets"},
		{"relative allowlist", func(c *Config) { c.Precache.AllowExternal = []string{"/fonts"} }, "allowExternal"},
		{"negative retries", func(c *Config) { c.Precache.Retries = -1 }, "retries"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := minimalConfig()
			tc.mutate(&cfg)
			err := cfg.normalize()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offgate.yaml")
	doc := `
app:
  id: campus
  version: 2.0.0
server:
  port: 9090
  origin: http://campus.local
routing:
  apiMarker: /api/v1/
precache:
  assets:
    - /
    - /index.html
    - /styles.css
  allowExternal:
    - https://fonts.example.com/
outbox:
  replayEvery: 30s
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port: %d", cfg.Server.Port)
	}
	if len(cfg.Precache.Assets) != 3 {
		t.Errorf("assets: %v", cfg.Precache.Assets)
	}
	if cfg.Routing.APIMarker != "/api/v1/" {
		t.Errorf("apiMarker: %q", cfg.Routing.APIMarker)
	}
	if cfg.Outbox.replayEveryDur != 30*time.Second {
		t.Errorf("replayEvery: %s", cfg.Outbox.replayEveryDur)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offgate.yaml")
	doc := `
app:
  id: campus
  version: 1.0.0
server:
  port: 8080
  origin: http://campus.local
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OFFGATE_PORT", "9999")
	t.Setenv("OFFGATE_APP_VERSION", "1.0.1")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("expected env port override, got %d", cfg.Server.Port)
	}
	if got := cfg.StaticTierName(); got != "campus-static-v1.0.1" {
		t.Errorf("expected env version in tier name, got %q", got)
	}
}
