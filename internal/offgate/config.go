package offgate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App struct {
		ID      string `yaml:"id" env:"OFFGATE_APP_ID"`
		Version string `yaml:"version" env:"OFFGATE_APP_VERSION"`
	} `yaml:"app"`

	Server struct {
		Port   int    `yaml:"port" env:"OFFGATE_PORT"`
		Origin string `yaml:"origin" env:"OFFGATE_ORIGIN"`
	} `yaml:"server"`

	Routing struct {
		// APIMarker classifies a request URL as an API call when the URL
		// contains it. API calls are network-first; everything else is
		// cache-first.
		APIMarker string `yaml:"apiMarker"`
		// ShellPath is the app-shell document served as the offline
		// fallback for navigation requests.
		ShellPath string `yaml:"shellPath"`
	} `yaml:"routing"`

	Precache struct {
		// Assets is the static asset manifest: every URL here must be
		// cached during install or the install fails.
		Assets []string `yaml:"assets"`
		// AllowExternal lists URL prefixes of third-party origins that may
		// be cached opportunistically but are never pre-fetched at install.
		AllowExternal []string `yaml:"allowExternal"`
		// Retries is how many extra attempts each asset gets before the
		// install is declared failed.
		Retries int `yaml:"retries"`
	} `yaml:"precache"`

	Network struct {
		Timeout string `yaml:"timeout"`

		timeoutDur time.Duration
	} `yaml:"network"`

	Storage struct {
		Path string `yaml:"path" env:"OFFGATE_STORAGE_PATH"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"storage"`

	Outbox struct {
		ReplayEvery string `yaml:"replayEvery"`

		replayEveryDur time.Duration
	} `yaml:"outbox"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Lifecycle struct {
		// HoldActivation keeps an installed version waiting until a
		// SKIP_WAITING message releases it.
		HoldActivation bool `yaml:"holdActivation"`
	} `yaml:"lifecycle"`
}

// StaticTierName is the versioned name of the static asset tier. Bumping
// app.version is the sole cache-invalidation mechanism across deploys.
func (c *Config) StaticTierName() string {
	return fmt.Sprintf("%s-static-v%s", c.App.ID, c.App.Version)
}

// DataTierName is the versioned name of the API response tier.
func (c *Config) DataTierName() string {
	return fmt.Sprintf("%s-data-v%s", c.App.ID, c.App.Version)
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.App.ID == "" {
		return fmt.Errorf("app.id is required")
	}
	if strings.ContainsAny(c.App.ID, " :") {
		return fmt.Errorf("app.id must not contain spaces or colons")
	}
	if c.App.Version == "" {
		return fmt.Errorf("app.version is required")
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")

	if c.Routing.APIMarker == "" {
		c.Routing.APIMarker = "/api/"
	}
	if c.Routing.ShellPath == "" {
		c.Routing.ShellPath = "/index.html"
	}
	if !strings.HasPrefix(c.Routing.ShellPath, "/") {
		return fmt.Errorf("routing.shellPath must start with /")
	}

	for i, a := range c.Precache.Assets {
		a = strings.TrimSpace(a)
		if a == "" {
			return fmt.Errorf("precache.assets[%d]: empty URL", i)
		}
		if !strings.HasPrefix(a, "/") && !isAbsoluteURL(a) {
			return fmt.Errorf("precache.assets[%d]: %q is neither a path nor an absolute URL", i, a)
		}
		c.Precache.Assets[i] = a
	}
	for i, p := range c.Precache.AllowExternal {
		p = strings.TrimSpace(p)
		if !isAbsoluteURL(p) {
			return fmt.Errorf("precache.allowExternal[%d]: %q is not an absolute URL prefix", i, p)
		}
		c.Precache.AllowExternal[i] = p
	}
	if c.Precache.Retries < 0 {
		return fmt.Errorf("precache.retries must not be negative")
	}
	if c.Precache.Retries == 0 {
		c.Precache.Retries = 1
	}

	if c.Network.Timeout == "" {
		c.Network.Timeout = "10s"
	}
	d, err := time.ParseDuration(c.Network.Timeout)
	if err != nil {
		return fmt.Errorf("network.timeout: %w", err)
	}
	c.Network.timeoutDur = d

	if c.Storage.Path == "" {
		c.Storage.Path = "./data/offgate"
	}
	if c.Storage.RAM.Max == "" {
		c.Storage.RAM.Max = "64mb"
	}
	if _, err := parseBytes(c.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}

	if c.Outbox.ReplayEvery != "" {
		d, err := time.ParseDuration(c.Outbox.ReplayEvery)
		if err != nil {
			return fmt.Errorf("outbox.replayEvery: %w", err)
		}
		c.Outbox.replayEveryDur = d
	} else {
		c.Outbox.replayEveryDur = time.Minute
	}

	if c.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(c.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		c.Logging.logStatsEveryDur = d
	}

	return nil
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
