package cmd

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends accepted by SWCORE_STORE_BACKEND.
const (
	StoreBackendMemory = "memory"
	StoreBackendLocal  = "local"
	StoreBackendS3     = "s3"
)

// Config is the process configuration read from SWCORE_* environment
// variables.
type Config struct {
	LogFormat string `env:"SWCORE_LOG_FORMAT" envDefault:"text"`
	LogLevel  string `env:"SWCORE_LOG_LEVEL"  envDefault:"info"`

	HTTPAddr        string        `env:"SWCORE_HTTP_ADDR"        envDefault:"127.0.0.1:8080"`
	ShutdownTimeout time.Duration `env:"SWCORE_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	Generation        string        `env:"SWCORE_GENERATION"         envDefault:"v1"`
	Origin            string        `env:"SWCORE_ORIGIN"             envDefault:"http://127.0.0.1:3000"`
	RootDocument      string        `env:"SWCORE_ROOT_DOCUMENT"      envDefault:"/"`
	CoreFiles         []string      `env:"SWCORE_CORE_FILES"         envSeparator:","`
	RemoteHosts       []string      `env:"SWCORE_REMOTE_HOSTS"       envSeparator:","`
	StaticExtensions  []string      `env:"SWCORE_STATIC_EXTENSIONS"  envSeparator:","`
	MaxEntries        int           `env:"SWCORE_MAX_ENTRIES"        envDefault:"100"`
	NetworkTimeout    time.Duration `env:"SWCORE_NETWORK_TIMEOUT"    envDefault:"0s"`
	RevalidateTimeout time.Duration `env:"SWCORE_REVALIDATE_TIMEOUT" envDefault:"0s"`
	AutoInstall       bool          `env:"SWCORE_AUTO_INSTALL"       envDefault:"true"`
	Scope             string        `env:"SWCORE_SCOPE"              envDefault:"default"`
	SyncTags          []string      `env:"SWCORE_SYNC_TAGS"          envSeparator:","`

	StoreBackend string `env:"SWCORE_STORE_BACKEND" envDefault:"memory"`
	BlobRoot     string `env:"SWCORE_BLOB_ROOT"     envDefault:"./.temp/stores"`
	S3Bucket     string `env:"SWCORE_S3_BUCKET"`
	S3Prefix     string `env:"SWCORE_S3_PREFIX"`
	S3Region     string `env:"SWCORE_S3_REGION"     envDefault:"us-east-1"`
	S3Endpoint   string `env:"SWCORE_S3_ENDPOINT"`

	// static credentials; the default AWS chain is used when unset
	S3AccessKeyID     string `env:"SWCORE_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"SWCORE_S3_SECRET_ACCESS_KEY"`

	RedisAddr     string `env:"SWCORE_REDIS_ADDR"`
	RedisQueueKey string `env:"SWCORE_REDIS_QUEUE_KEY"`

	MongoURI        string `env:"SWCORE_STATE_MONGO_URI"`
	MongoDB         string `env:"SWCORE_STATE_MONGO_DB"         envDefault:"swcore"`
	MongoCollection string `env:"SWCORE_STATE_MONGO_COLLECTION" envDefault:"lifecycle"`

	SweepInterval time.Duration `env:"SWCORE_SWEEP_INTERVAL" envDefault:"30s"`
	ProbeInterval time.Duration `env:"SWCORE_PROBE_INTERVAL" envDefault:"0s"`
	ProbeURL      string        `env:"SWCORE_PROBE_URL"`
}

// LoadConfig reads the configuration from the process environment.
func LoadConfig() (Config, error) {
	return ParseConfig(nil)
}

// ParseConfig reads the configuration from vars, or from the process
// environment when vars is nil, and validates it.
func ParseConfig(vars map[string]string) (Config, error) {
	var cfg Config
	var err error
	if vars != nil {
		err = env.ParseWithOptions(&cfg, env.Options{Environment: vars})
	} else {
		err = env.Parse(&cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	c.Generation = strings.TrimSpace(c.Generation)
	c.CoreFiles = trimList(c.CoreFiles)
	c.RemoteHosts = trimList(c.RemoteHosts)
	c.StaticExtensions = trimList(c.StaticExtensions)
	c.SyncTags = trimList(c.SyncTags)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Generation == "" {
		return fmt.Errorf("SWCORE_GENERATION is required")
	}
	if strings.ContainsAny(c.Generation, "/ ") {
		return fmt.Errorf("SWCORE_GENERATION must not contain spaces or slashes")
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("SWCORE_MAX_ENTRIES must be >= 0")
	}
	if c.NetworkTimeout < 0 {
		return fmt.Errorf("SWCORE_NETWORK_TIMEOUT must be >= 0")
	}
	if c.RevalidateTimeout < 0 {
		return fmt.Errorf("SWCORE_REVALIDATE_TIMEOUT must be >= 0")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("SWCORE_LOG_FORMAT must be text or json")
	}
	if _, ok := logLevels[c.LogLevel]; !ok {
		return fmt.Errorf("SWCORE_LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch c.StoreBackend {
	case StoreBackendMemory, StoreBackendLocal:
	case StoreBackendS3:
		if strings.TrimSpace(c.S3Bucket) == "" {
			return fmt.Errorf("SWCORE_S3_BUCKET is required for the s3 store backend")
		}
	default:
		return fmt.Errorf("SWCORE_STORE_BACKEND must be one of memory, local, s3")
	}
	if c.ProbeInterval > 0 && strings.TrimSpace(c.ProbeURL) == "" {
		return fmt.Errorf("SWCORE_PROBE_URL is required when SWCORE_PROBE_INTERVAL is set")
	}
	return nil
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	return logLevels[c.LogLevel]
}

func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
