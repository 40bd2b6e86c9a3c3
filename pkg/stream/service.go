// Package stream owns long-lived chat completion streams. A Service keeps a
// registry of streams keyed by id, runs one worker per stream, lets clients
// attach and detach while the worker keeps going, and republishes every state
// change on an optional global event bus.
package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-go-golems/chatstream/pkg/eventbus"
	"github.com/go-go-golems/chatstream/pkg/persistence/convstore"
	"github.com/go-go-golems/chatstream/pkg/provider"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var (
	ErrStreamNotFound = errors.New("stream not found")
	ErrClosed         = errors.New("stream service closed")
)

// Options configures a Service. Store and Provider are required.
type Options struct {
	Store    convstore.Store
	Provider provider.Provider
	// Bus receives global stream events. Nil disables publishing.
	Bus eventbus.Bus

	SystemPrompt string
	DefaultModel string

	GracePeriod     time.Duration
	CleanupInterval time.Duration

	// TokenCounter fills CompletionTokens on completion. Optional.
	TokenCounter TokenCounter
	// Now is the clock used for timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Service is the stream registry. It is safe for concurrent use.
type Service struct {
	store        convstore.Store
	provider     provider.Provider
	bus          eventbus.Bus
	events       *outbox
	systemPrompt string
	defaultModel string
	tokens       TokenCounter
	now          func() time.Time

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	streams  map[string]*record
	byConv   map[string]string
	order    []string
	grace    time.Duration
	interval time.Duration
	cleaning bool
}

// NewService validates opts and fills defaults. Workers start with
// StartStream; the cleanup sweep starts with StartCleanupLoop.
func NewService(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("stream: store is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("stream: provider is required")
	}
	s := &Service{
		store:        opts.Store,
		provider:     opts.Provider,
		bus:          opts.Bus,
		systemPrompt: strings.TrimSpace(opts.SystemPrompt),
		defaultModel: strings.TrimSpace(opts.DefaultModel),
		tokens:       opts.TokenCounter,
		now:          opts.Now,
		streams:      map[string]*record{},
		byConv:       map[string]string{},
		grace:        opts.GracePeriod,
		interval:     opts.CleanupInterval,
	}
	if s.systemPrompt == "" {
		s.systemPrompt = DefaultSystemPrompt
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.grace <= 0 {
		s.grace = DefaultGracePeriod
	}
	if s.interval <= 0 {
		s.interval = DefaultCleanupInterval
	}
	if s.bus != nil {
		s.events = newOutbox(s.bus)
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	return s, nil
}

// StartStream registers a new stream and launches its worker. It returns as
// soon as the record exists; the worker reports through subscribers and the
// event bus. An active stream on the same conversation is aborted first.
func (s *Service) StartStream(p StartParams) (string, error) {
	content := p.UserMessageContent
	if strings.TrimSpace(content) == "" {
		return "", errors.New("stream: empty user message")
	}
	model := strings.TrimSpace(p.Model)
	if model == "" {
		model = s.defaultModel
	}
	convID := strings.TrimSpace(p.ConversationID)
	prompt := strings.TrimSpace(p.SystemPrompt)
	if prompt == "" {
		prompt = s.systemPrompt
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	rec := &record{
		id:                 uuid.NewString(),
		userMessage:        content,
		assistantMessageID: uuid.NewString(),
		model:              model,
		apiKey:             p.APIKey,
		systemPrompt:       prompt,
		history:            append([]convstore.Message(nil), p.MessageHistory...),
		createdAt:          s.now(),
		ctx:                ctx,
		cancel:             cancel,
		convID:             convID,
		sm:                 newStatusMachine(),
	}
	if convID == "" {
		rec.title = deriveTitle(content)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return "", ErrClosed
	}
	var previous *record
	if convID != "" {
		if prevID, ok := s.byConv[convID]; ok {
			previous = s.streams[prevID]
		}
		s.byConv[convID] = rec.id
	}
	s.streams[rec.id] = rec
	s.order = append(s.order, rec.id)
	s.wg.Add(1)
	s.mu.Unlock()

	if previous != nil && !previous.status().IsTerminal() {
		log.Info().Str("component", "stream").
			Str("stream_id", previous.id).
			Str("conversation_id", convID).
			Msg("aborting previous stream of conversation")
		s.abort(previous, AbortedMessage)
	}

	log.Debug().Str("component", "stream").
		Str("stream_id", rec.id).
		Str("conversation_id", convID).
		Str("model", model).
		Msg("stream started")

	go s.run(rec)
	return rec.id, nil
}

func (s *Service) lookup(streamID string) *record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[streamID]
}

// records returns the registered records in creation order.
func (s *Service) records() []*record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*record, 0, len(s.order))
	for _, id := range s.order {
		if r, ok := s.streams[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// GetStreamState returns a copy of the stream's current state.
func (s *Service) GetStreamState(streamID string) (Snapshot, bool) {
	r := s.lookup(streamID)
	if r == nil {
		return Snapshot{}, false
	}
	return r.snapshot(), true
}

// GetStreamForConversation returns the latest stream of a conversation. An
// empty conversationID matches the newest not-yet-finished stream that has no
// conversation assigned.
func (s *Service) GetStreamForConversation(conversationID string) (Snapshot, bool) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID != "" {
		s.mu.Lock()
		id, ok := s.byConv[conversationID]
		r := s.streams[id]
		s.mu.Unlock()
		if !ok || r == nil {
			return Snapshot{}, false
		}
		return r.snapshot(), true
	}
	recs := s.records()
	for i := len(recs) - 1; i >= 0; i-- {
		snap := recs[i].snapshot()
		if snap.ConversationID == "" && !snap.Status.IsTerminal() {
			return snap, true
		}
	}
	return Snapshot{}, false
}

// HasActiveStream reports whether the conversation's latest stream is still
// pending or streaming.
func (s *Service) HasActiveStream(conversationID string) bool {
	snap, ok := s.GetStreamForConversation(conversationID)
	return ok && !snap.Status.IsTerminal()
}

// GetActiveStreams lists the pending and streaming streams, oldest first.
func (s *Service) GetActiveStreams() []Snapshot {
	var out []Snapshot
	for _, r := range s.records() {
		snap := r.snapshot()
		if !snap.Status.IsTerminal() {
			out = append(out, snap)
		}
	}
	return out
}

// ListStreams returns every registered stream, oldest first.
func (s *Service) ListStreams() []Snapshot {
	recs := s.records()
	out := make([]Snapshot, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.snapshot())
	}
	return out
}

// AbortStream cancels the stream's provider request and moves it to error
// with AbortedMessage before returning. It reports whether the stream was
// still active.
func (s *Service) AbortStream(streamID string) bool {
	r := s.lookup(streamID)
	if r == nil {
		return false
	}
	return s.abort(r, AbortedMessage)
}

// AbortStreamForConversation aborts the stream GetStreamForConversation
// would return for conversationID.
func (s *Service) AbortStreamForConversation(conversationID string) bool {
	snap, ok := s.GetStreamForConversation(conversationID)
	if !ok {
		return false
	}
	return s.AbortStream(snap.StreamID)
}

func (s *Service) abort(r *record, message string) bool {
	ok := s.fail(r, message)
	r.cancel()
	if ok {
		log.Info().Str("component", "stream").Str("stream_id", r.id).Str("reason", message).Msg("stream aborted")
	}
	return ok
}

// Subscribe attaches callbacks to a stream. A subscriber joining mid-stream
// first receives the accumulated content as one progress notification; one
// joining after the end receives the terminal notification only.
func (s *Service) Subscribe(streamID string, cb Callbacks) (func(), error) {
	r := s.lookup(streamID)
	if r == nil {
		return nil, errors.Wrapf(ErrStreamNotFound, "stream %s", streamID)
	}
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	return r.addSubscriber(cb), nil
}

// Close aborts every active stream, waits for all workers to exit and then
// for the queued global events to reach the bus.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for _, r := range s.records() {
		if !r.status().IsTerminal() {
			s.abort(r, ShutdownMessage)
		}
	}
	s.baseCancel()
	s.wg.Wait()
	if s.events != nil {
		s.events.close()
	}
	return nil
}
