// Package eventbus is the process-wide topic bus used for notifications that
// are not tied to a stream handle (stream activity badges, history refresh).
// It is backed by Watermill: an in-process Go channel by default, Redis
// Streams when events must cross process boundaries.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Event is a delivered message; Payload is the JSON encoding of whatever was
// published.
type Event struct {
	Topic   string
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

type Handler func(ctx context.Context, ev Event)

type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(ctx context.Context, topic string, handler Handler) (func(), error)
	Close() error
}

// subscriberFactory returns a subscriber for one subscription and whether the
// caller owns (and must close) it.
type subscriberFactory func(ctx context.Context, topic string) (message.Subscriber, bool, error)

type watermillBus struct {
	publisher     message.Publisher
	newSubscriber subscriberFactory
	closers       []func() error

	mu     sync.Mutex
	closed bool
	subs   map[string]context.CancelFunc
	wg     sync.WaitGroup
}

var _ Bus = &watermillBus{}

// NewGoChannelBus builds an in-process bus. Publish blocks until every
// current subscriber handled the message, which keeps per-topic order.
func NewGoChannelBus(logger watermill.LoggerAdapter) Bus {
	if logger == nil {
		logger = defaultAdapter()
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return &watermillBus{
		publisher: ch,
		newSubscriber: func(context.Context, string) (message.Subscriber, bool, error) {
			return ch, false, nil
		},
		closers: []func() error{ch.Close},
		subs:    map[string]context.CancelFunc{},
	}
}

func (b *watermillBus) Publish(ctx context.Context, topic string, payload any) error {
	if b == nil || b.publisher == nil {
		return errors.New("event bus is not initialized")
	}
	if topic == "" {
		return errors.New("event bus: empty topic")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "event bus: encode %s payload", topic)
	}
	msg := message.NewMessage(uuid.NewString(), data)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errors.New("event bus is closed")
	}
	return errors.Wrapf(b.publisher.Publish(topic, msg), "event bus: publish %s", topic)
}

func (b *watermillBus) Subscribe(ctx context.Context, topic string, handler Handler) (func(), error) {
	if b == nil || b.newSubscriber == nil {
		return nil, errors.New("event bus is not initialized")
	}
	if handler == nil {
		return nil, errors.New("event bus: nil handler")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("event bus is closed")
	}
	b.mu.Unlock()

	sub, owned, err := b.newSubscriber(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "event bus: build subscriber for %s", topic)
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := sub.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		if owned {
			_ = sub.Close()
		}
		return nil, errors.Wrapf(err, "event bus: subscribe %s", topic)
	}

	id := uuid.NewString()
	b.mu.Lock()
	b.subs[id] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer func() {
			if owned {
				if err := sub.Close(); err != nil {
					log.Warn().Err(err).Str("component", "eventbus").Str("topic", topic).Msg("subscriber close failed")
				}
			}
		}()
		for msg := range ch {
			b.dispatch(subCtx, topic, msg, handler)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			cancel()
		})
	}, nil
}

func (b *watermillBus) dispatch(ctx context.Context, topic string, msg *message.Message, handler Handler) {
	defer msg.Ack()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("component", "eventbus").Str("topic", topic).Msg("event handler panicked")
		}
	}()
	if ctx.Err() != nil {
		return
	}
	handler(ctx, Event{Topic: topic, Payload: json.RawMessage(msg.Payload)})
}

func (b *watermillBus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := make([]context.CancelFunc, 0, len(b.subs))
	for _, c := range b.subs {
		cancels = append(cancels, c)
	}
	b.subs = map[string]context.CancelFunc{}
	b.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	var firstErr error
	for _, closeFn := range b.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.wg.Wait()
	return firstErr
}
