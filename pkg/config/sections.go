package config

import (
	"strings"
	"time"

	"github.com/go-go-golems/chatstream/pkg/eventbus"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
)

// Section slugs for the command-line layers.
const (
	ProviderSlug = "provider"
	StoreSlug    = "store"
	StreamSlug   = "stream"
)

// Flag values are overrides: an empty string (or a negative retry count)
// leaves the value loaded from defaults, YAML and environment untouched.

type ProviderFlags struct {
	BaseURL      string `glazed:"provider-base-url"`
	APIKey       string `glazed:"provider-api-key"`
	Model        string `glazed:"provider-model"`
	SystemPrompt string `glazed:"system-prompt"`
}

type StoreFlags struct {
	Backend    string `glazed:"store-backend"`
	SQLitePath string `glazed:"store-sqlite-path"`
	URL        string `glazed:"store-url"`
	Token      string `glazed:"store-token"`
	Timeout    string `glazed:"store-timeout"`
	Retries    int    `glazed:"store-retries"`
	RetryDelay string `glazed:"store-retry-delay"`
}

type StreamFlags struct {
	GracePeriod     string `glazed:"stream-grace-period"`
	CleanupInterval string `glazed:"stream-cleanup-interval"`
	TokenEncoding   string `glazed:"token-encoding"`
}

func NewProviderSection() (schema.Section, error) {
	return schema.NewSection(
		ProviderSlug,
		"Chat completion provider",
		schema.WithFields(
			fields.New("provider-base-url", fields.TypeString, fields.WithDefault(""), fields.WithHelp("OpenAI-compatible base URL")),
			fields.New("provider-api-key", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Default provider API key")),
			fields.New("provider-model", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Default model")),
			fields.New("system-prompt", fields.TypeString, fields.WithDefault(""), fields.WithHelp("System prompt sent before every conversation")),
		),
	)
}

func NewStoreSection() (schema.Section, error) {
	return schema.NewSection(
		StoreSlug,
		"Conversation store",
		schema.WithFields(
			fields.New("store-backend", fields.TypeChoice, fields.WithChoices("", StoreMemory, StoreSQLite, StoreHTTP), fields.WithDefault(""), fields.WithHelp("Store backend: memory, sqlite or http")),
			fields.New("store-sqlite-path", fields.TypeString, fields.WithDefault(""), fields.WithHelp("SQLite database file")),
			fields.New("store-url", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Base URL of the remote store")),
			fields.New("store-token", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Bearer token for the remote store")),
			fields.New("store-timeout", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Per-attempt timeout, e.g. 30s")),
			fields.New("store-retries", fields.TypeInteger, fields.WithDefault(-1), fields.WithHelp("Retries after a transient failure")),
			fields.New("store-retry-delay", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Delay before the first retry, e.g. 1s")),
		),
	)
}

func NewStreamSection() (schema.Section, error) {
	return schema.NewSection(
		StreamSlug,
		"Stream registry",
		schema.WithFields(
			fields.New("stream-grace-period", fields.TypeString, fields.WithDefault(""), fields.WithHelp("How long finished streams stay queryable")),
			fields.New("stream-cleanup-interval", fields.TypeString, fields.WithDefault(""), fields.WithHelp("How often finished streams are swept")),
			fields.New("token-encoding", fields.TypeString, fields.WithDefault(""), fields.WithHelp("tiktoken encoding for completion tokens, none disables")),
		),
	)
}

// Flags collects the override sections present on a command.
type Flags struct {
	Provider *ProviderFlags
	Store    *StoreFlags
	Stream   *StreamFlags
	Redis    *eventbus.RedisSettings
}

// DecodeFlags reads the named sections from parsed command values.
func DecodeFlags(parsed *values.Values, slugs ...string) (*Flags, error) {
	f := &Flags{}
	for _, slug := range slugs {
		var target any
		switch slug {
		case ProviderSlug:
			f.Provider = &ProviderFlags{}
			target = f.Provider
		case StoreSlug:
			f.Store = &StoreFlags{}
			target = f.Store
		case StreamSlug:
			f.Stream = &StreamFlags{}
			target = f.Stream
		case eventbus.RedisSlug:
			f.Redis = &eventbus.RedisSettings{}
			target = f.Redis
		default:
			return nil, errors.Errorf("unknown settings section %q", slug)
		}
		if err := parsed.DecodeSectionInto(slug, target); err != nil {
			return nil, errors.Wrapf(err, "decode %s flags", slug)
		}
	}
	return f, nil
}

// Apply overlays the set flags onto s.
func (f *Flags) Apply(s *Settings) error {
	if p := f.Provider; p != nil {
		setString(&s.Provider.BaseURL, p.BaseURL)
		setString(&s.Provider.APIKey, p.APIKey)
		setString(&s.Provider.Model, p.Model)
		setString(&s.Provider.SystemPrompt, p.SystemPrompt)
	}
	if st := f.Store; st != nil {
		setString(&s.Store.Backend, st.Backend)
		setString(&s.Store.SQLitePath, st.SQLitePath)
		setString(&s.Store.URL, st.URL)
		setString(&s.Store.Token, st.Token)
		if err := setDuration(&s.Store.Timeout, "store-timeout", st.Timeout); err != nil {
			return err
		}
		if err := setDuration(&s.Store.RetryDelay, "store-retry-delay", st.RetryDelay); err != nil {
			return err
		}
		if st.Retries >= 0 {
			s.Store.Retries = st.Retries
		}
	}
	if sm := f.Stream; sm != nil {
		if err := setDuration(&s.Stream.GracePeriod, "stream-grace-period", sm.GracePeriod); err != nil {
			return err
		}
		if err := setDuration(&s.Stream.CleanupInterval, "stream-cleanup-interval", sm.CleanupInterval); err != nil {
			return err
		}
		setString(&s.Stream.TokenEncoding, sm.TokenEncoding)
	}
	if f.Redis != nil {
		s.Redis = s.Redis.Merge(*f.Redis)
	}
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, name, v string) error {
	if v = strings.TrimSpace(v); v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(err, "invalid --%s", name)
	}
	*dst = d
	return nil
}
