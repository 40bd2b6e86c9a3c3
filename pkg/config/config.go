// Package config loads chatstream settings. Values are layered as built-in
// defaults, then an optional YAML file, then environment variables (a .env
// file may seed the environment). Command-line sections, decoded with
// DecodeFlags, are applied last by Flags.Apply.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-go-golems/chatstream/pkg/eventbus"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreHTTP   = "http"
)

type Settings struct {
	Addr     string `yaml:"addr" env:"CHATSTREAM_ADDR"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	Provider ProviderSettings       `yaml:"provider"`
	Store    StoreSettings          `yaml:"store"`
	Stream   StreamSettings         `yaml:"stream"`
	Redis    eventbus.RedisSettings `yaml:"redis"`
}

type ProviderSettings struct {
	BaseURL      string `yaml:"base_url" env:"PROVIDER_BASE_URL"`
	APIKey       string `yaml:"api_key" env:"PROVIDER_API_KEY"`
	Model        string `yaml:"model" env:"PROVIDER_MODEL"`
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
}

// StoreSettings selects the conversation store. The request settings only
// apply to the http backend.
type StoreSettings struct {
	Backend    string        `yaml:"backend" env:"STORE_BACKEND"`
	SQLitePath string        `yaml:"sqlite_path" env:"STORE_SQLITE_PATH"`
	URL        string        `yaml:"url" env:"STORE_URL"`
	Token      string        `yaml:"token" env:"STORE_TOKEN"`
	Timeout    time.Duration `yaml:"timeout" env:"STORE_TIMEOUT"`
	Retries    int           `yaml:"retries" env:"STORE_RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"STORE_RETRY_DELAY"`
}

type StreamSettings struct {
	GracePeriod     time.Duration `yaml:"grace_period" env:"STREAM_GRACE_PERIOD"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"STREAM_CLEANUP_INTERVAL"`
	// TokenEncoding names the tiktoken encoding used to count completion
	// tokens. "none" disables counting.
	TokenEncoding string `yaml:"token_encoding" env:"TOKEN_ENCODING"`
}

func Default() *Settings {
	return &Settings{
		Addr:     ":8080",
		LogLevel: "info",
		Provider: ProviderSettings{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Store: StoreSettings{
			Backend:    StoreMemory,
			SQLitePath: "chatstream.db",
			Timeout:    30 * time.Second,
			RetryDelay: time.Second,
		},
		Stream: StreamSettings{
			GracePeriod:     5 * time.Minute,
			CleanupInterval: time.Minute,
			TokenEncoding:   "cl100k_base",
		},
		Redis: eventbus.RedisSettings{
			Addr:     "localhost:6379",
			Consumer: "chatstream",
		},
	}
}

// Load builds settings from defaults, the YAML file at path (skipped when
// path is empty) and the process environment.
func Load(path string) (*Settings, error) {
	s := Default()
	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, s); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	if err := env.Parse(s); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	return s, nil
}

// LoadDotEnv seeds the environment from the given files. Missing files are
// skipped and variables already set are kept.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "stat %s", p)
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "load %s", p)
		}
	}
	return nil
}

func (s *Settings) Validate() error {
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("addr is empty")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(s.LogLevel)); err != nil {
		return errors.Wrapf(err, "invalid log level %q", s.LogLevel)
	}
	if strings.TrimSpace(s.Provider.Model) == "" {
		return errors.New("provider model is empty")
	}
	switch s.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if strings.TrimSpace(s.Store.SQLitePath) == "" {
			return errors.New("sqlite store needs a path")
		}
	case StoreHTTP:
		if strings.TrimSpace(s.Store.URL) == "" {
			return errors.New("http store needs a url")
		}
	default:
		return errors.Errorf("unknown store backend %q", s.Store.Backend)
	}
	if s.Store.Timeout <= 0 {
		return errors.New("store timeout must be positive")
	}
	if s.Store.Retries < 0 {
		return errors.New("store retries must not be negative")
	}
	if s.Store.RetryDelay < 0 {
		return errors.New("store retry delay must not be negative")
	}
	if s.Stream.GracePeriod <= 0 || s.Stream.CleanupInterval <= 0 {
		return errors.New("stream grace period and cleanup interval must be positive")
	}
	if s.Redis.Enabled && strings.TrimSpace(s.Redis.Addr) == "" {
		return errors.New("redis enabled but addr is empty")
	}
	return nil
}
