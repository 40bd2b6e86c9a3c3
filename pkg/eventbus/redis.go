package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisSlug is the command-line section slug of RedisSettings.
const RedisSlug = "redis"

// RedisSettings holds Redis Streams transport configuration.
type RedisSettings struct {
	Enabled bool   `yaml:"enabled" env:"REDIS_ENABLED" glazed:"redis-enabled"`
	Addr    string `yaml:"addr" env:"REDIS_ADDR" glazed:"redis-addr"`
	// Group is the consumer group. Empty means fan-out: every subscriber sees
	// every event, which is what UI listeners want.
	Group    string `yaml:"group" env:"REDIS_GROUP" glazed:"redis-group"`
	Consumer string `yaml:"consumer" env:"REDIS_CONSUMER" glazed:"redis-consumer"`
}

// NewRedisSection returns the command-line section for RedisSettings. Its
// defaults are empty so that unset flags keep the configured values.
func NewRedisSection() (schema.Section, error) {
	return schema.NewSection(
		RedisSlug,
		"Redis configuration for Watermill Redis Streams",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Enable Redis Streams transport for events")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Redis consumer group, empty for fan-out")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Redis consumer name prefix")),
		),
	)
}

// Merge returns s with the non-empty values of o applied. Enabled is sticky.
func (s RedisSettings) Merge(o RedisSettings) RedisSettings {
	s.Enabled = s.Enabled || o.Enabled
	if v := strings.TrimSpace(o.Addr); v != "" {
		s.Addr = v
	}
	if v := strings.TrimSpace(o.Group); v != "" {
		s.Group = v
	}
	if v := strings.TrimSpace(o.Consumer); v != "" {
		s.Consumer = v
	}
	return s
}

// New returns a Redis-backed bus when enabled, otherwise an in-process one.
func New(s RedisSettings) (Bus, error) {
	if !s.Enabled {
		return NewGoChannelBus(nil), nil
	}
	return NewRedisBus(s)
}

func NewRedisBus(s RedisSettings) (Bus, error) {
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis event bus: empty addr")
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	logger := defaultAdapter()
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis event bus: publisher")
	}

	b := &watermillBus{
		publisher: pub,
		newSubscriber: func(ctx context.Context, topic string) (message.Subscriber, bool, error) {
			return buildSubscriber(ctx, client, s, topic, logger)
		},
		closers: []func() error{pub.Close, client.Close},
		subs:    map[string]context.CancelFunc{},
	}
	return b, nil
}

func buildSubscriber(ctx context.Context, client redis.UniversalClient, s RedisSettings, topic string, logger watermill.LoggerAdapter) (message.Subscriber, bool, error) {
	cfg := rstream.SubscriberConfig{
		Client:       client,
		Unmarshaller: rstream.DefaultMarshallerUnmarshaller{},
	}
	if s.Group != "" {
		if err := EnsureGroupAtTail(ctx, client, topic, s.Group); err != nil {
			return nil, false, err
		}
		cfg.ConsumerGroup = s.Group
		cfg.Consumer = s.Consumer + "-" + uuid.NewString()[:8]
	}
	sub, err := rstream.NewSubscriber(cfg, logger)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
