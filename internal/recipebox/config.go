package recipebox

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSnapshotKey = "recipes"
	DefaultCacheName   = "lab-8-starter"
	DefaultScript      = "/sw.js"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"RECIPEBOX_PORT"`
		Origin string `yaml:"origin" env:"RECIPEBOX_ORIGIN"`
	} `yaml:"server"`

	// Sources is the ordered list of recipe documents. Render order follows it.
	Sources []string `yaml:"sources" env:"RECIPEBOX_SOURCES" envSeparator:","`

	Storage struct {
		// Path of the leveldb database shared by every leveldb-backed store.
		Path string `yaml:"path" env:"RECIPEBOX_STORAGE_PATH"`

		Snapshot struct {
			Backend string `yaml:"backend" env:"RECIPEBOX_SNAPSHOT_BACKEND"`
			Key     string `yaml:"key" env:"RECIPEBOX_SNAPSHOT_KEY"`
		} `yaml:"snapshot"`

		Cache struct {
			Name      string `yaml:"name" env:"RECIPEBOX_CACHE_NAME"`
			Backend   string `yaml:"backend" env:"RECIPEBOX_CACHE_BACKEND"`
			MaxObject string `yaml:"maxObject" env:"RECIPEBOX_CACHE_MAX_OBJECT"`

			maxObjectBytes int64
		} `yaml:"cache"`
	} `yaml:"storage"`

	Redis struct {
		Addr     string `yaml:"addr" env:"RECIPEBOX_REDIS_ADDR"`
		Password string `yaml:"password" env:"RECIPEBOX_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"RECIPEBOX_REDIS_DB"`
	} `yaml:"redis"`

	S3 struct {
		Endpoint  string `yaml:"endpoint" env:"RECIPEBOX_S3_ENDPOINT"`
		Region    string `yaml:"region" env:"RECIPEBOX_S3_REGION"`
		Bucket    string `yaml:"bucket" env:"RECIPEBOX_S3_BUCKET"`
		Prefix    string `yaml:"prefix" env:"RECIPEBOX_S3_PREFIX"`
		AccessKey string `yaml:"accessKey" env:"RECIPEBOX_S3_ACCESS_KEY"`
		SecretKey string `yaml:"secretKey" env:"RECIPEBOX_S3_SECRET_KEY"`
	} `yaml:"s3"`

	Worker struct {
		// Disabled simulates a platform without request interception.
		Disabled    bool     `yaml:"disabled" env:"RECIPEBOX_WORKER_DISABLED"`
		Script      string   `yaml:"script" env:"RECIPEBOX_WORKER_SCRIPT"`
		VaryHeaders []string `yaml:"varyHeaders" env:"RECIPEBOX_WORKER_VARY_HEADERS" envSeparator:","`
	} `yaml:"worker"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery" env:"RECIPEBOX_LOG_STATS_EVERY"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// LoadConfig reads the YAML file at path and applies RECIPEBOX_* environment
// overrides on top of it.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

func ParseConfig(b []byte) (Config, error) {
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

func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	origin, err := parseOrigin(strings.TrimRight(cfg.Server.Origin, "/"))
	if err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	cfg.Server.Origin = origin.String()

	for i, src := range cfg.Sources {
		src = strings.TrimSpace(src)
		u, err := url.Parse(src)
		if err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("sources[%d]: %q is not an absolute http(s) url", i, src)
		}
		cfg.Sources[i] = src
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}

	snap := &cfg.Storage.Snapshot
	if snap.Backend == "" {
		snap.Backend = "leveldb"
	}
	if snap.Key == "" {
		snap.Key = DefaultSnapshotKey
	}
	switch snap.Backend {
	case "leveldb", "memory":
	case "redis":
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("storage.snapshot.backend redis requires redis.addr")
		}
	default:
		return fmt.Errorf("storage.snapshot.backend: unknown backend %q", snap.Backend)
	}

	c := &cfg.Storage.Cache
	if c.Name == "" {
		c.Name = DefaultCacheName
	}
	if c.Backend == "" {
		c.Backend = "leveldb"
	}
	switch c.Backend {
	case "leveldb", "memory":
	case "s3":
		if cfg.S3.Bucket == "" {
			return fmt.Errorf("storage.cache.backend s3 requires s3.bucket")
		}
	default:
		return fmt.Errorf("storage.cache.backend: unknown backend %q", c.Backend)
	}
	if c.MaxObject != "" {
		n, err := parseBytes(c.MaxObject)
		if err != nil {
			return fmt.Errorf("storage.cache.maxObject: %w", err)
		}
		c.maxObjectBytes = n
	}

	if cfg.Worker.Script == "" {
		cfg.Worker.Script = DefaultScript
	}
	if !strings.HasPrefix(cfg.Worker.Script, "/") {
		return fmt.Errorf("worker.script must be an absolute path, got %q", cfg.Worker.Script)
	}

	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.Logging.logStatsEveryDur = d
	}
	return nil
}

func parseOrigin(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}
	return &url.URL{Scheme: u.Scheme, Host: canonicalHost(u.Scheme, u.Host)}, nil
}
