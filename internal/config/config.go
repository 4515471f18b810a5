// Package config loads runtime settings from the environment, an optional
// .env file and an optional config.yaml.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, e.g. LEDGER_HTTP_PORT.
const EnvPrefix = "LEDGER"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all settings of the ledger binaries.
type Config struct {
	HTTP         HTTPConfig
	Store        StoreConfig
	Attachments  AttachmentsConfig
	Mirror       MirrorConfig
	Connectivity ConnectivityConfig
	Log          LogConfig
	Rate         RateConfig
	Currency     string
}

type HTTPConfig struct {
	Port string
	// CORSOrigins lists browser origins allowed to call the API. Empty allows any.
	CORSOrigins []string
}

type StoreConfig struct {
	Backend         string // postgres, bigquery or memory
	DatabaseURL     string
	BigQueryProject string
	BigQueryDataset string
}

type AttachmentsConfig struct {
	Backend  string // gcs or memory
	Bucket   string
	Endpoint string
}

type MirrorConfig struct {
	Backend   string // file or redis
	Path      string
	RedisAddr string
	Key       string
}

type ConnectivityConfig struct {
	ProbeURL      string
	ProbeInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type RateConfig struct {
	RPS   float64
	Burst int
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.bigquery_dataset", "box_ledger")
	v.SetDefault("attachments.backend", "memory")
	v.SetDefault("mirror.backend", "file")
	v.SetDefault("mirror.path", "box_ledger_cache.json")
	v.SetDefault("mirror.redis_addr", "localhost:6379")
	v.SetDefault("mirror.key", "box_ledger_cache_v1")
	v.SetDefault("connectivity.probe_url", "")
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("currency", "BRL")
	v.SetDefault("rate.rps", 10.0)
	v.SetDefault("rate.burst", 20)
}

// Load reads .env (if present), then config.yaml from the working directory
// (if present), then LEDGER_* environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Load: read config file: %w", err)
		}
	}
	return FromViper(v), nil
}

// FromViper builds a Config from an already populated viper instance,
// applying defaults and environment bindings.
func FromViper(v *viper.Viper) *Config {
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Config{
		HTTP: HTTPConfig{
			Port:        v.GetString("http.port"),
			CORSOrigins: splitList(v.GetStringSlice("http.cors_origins")),
		},
		Store: StoreConfig{
			Backend:         strings.ToLower(v.GetString("store.backend")),
			DatabaseURL:     v.GetString("store.database_url"),
			BigQueryProject: v.GetString("store.bigquery_project"),
			BigQueryDataset: v.GetString("store.bigquery_dataset"),
		},
		Attachments: AttachmentsConfig{
			Backend:  strings.ToLower(v.GetString("attachments.backend")),
			Bucket:   v.GetString("attachments.bucket"),
			Endpoint: v.GetString("attachments.endpoint"),
		},
		Mirror: MirrorConfig{
			Backend:   strings.ToLower(v.GetString("mirror.backend")),
			Path:      v.GetString("mirror.path"),
			RedisAddr: v.GetString("mirror.redis_addr"),
			Key:       v.GetString("mirror.key"),
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:      v.GetString("connectivity.probe_url"),
			ProbeInterval: v.GetDuration("connectivity.probe_interval"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Rate: RateConfig{
			RPS:   v.GetFloat64("rate.rps"),
			Burst: v.GetInt("rate.burst"),
		},
		Currency: strings.ToUpper(v.GetString("currency")),
	}
}

// splitList accepts both YAML lists and comma separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate reports every missing or unsupported setting at once.
func (c *Config) Validate() error {
	var errs []error
	missing := func(key string) {
		errs = append(errs, fmt.Errorf("%s is required", key))
	}

	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			missing("store.database_url")
		}
	case "bigquery":
		if c.Store.BigQueryProject == "" {
			missing("store.bigquery_project")
		}
		if c.Store.BigQueryDataset == "" {
			missing("store.bigquery_dataset")
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store.backend %q", c.Store.Backend))
	}

	switch c.Attachments.Backend {
	case "memory":
	case "gcs":
		if c.Attachments.Bucket == "" {
			missing("attachments.bucket")
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported attachments.backend %q", c.Attachments.Backend))
	}

	switch c.Mirror.Backend {
	case "file":
		if c.Mirror.Path == "" {
			missing("mirror.path")
		}
	case "redis":
		if c.Mirror.RedisAddr == "" {
			missing("mirror.redis_addr")
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported mirror.backend %q", c.Mirror.Backend))
	}
	if c.Mirror.Key == "" {
		missing("mirror.key")
	}

	if c.Currency == "" {
		missing("currency")
	}
	if c.Rate.RPS <= 0 || c.Rate.Burst <= 0 {
		errs = append(errs, errors.New("rate.rps and rate.burst must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
