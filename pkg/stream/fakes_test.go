package stream

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-go-golems/chatstream/pkg/eventbus"
	"github.com/go-go-golems/chatstream/pkg/persistence/convstore"
	"github.com/go-go-golems/chatstream/pkg/provider"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

// fakeProvider hands every opened completion to the test as a pipe the test
// writes chunks into.
type fakeProvider struct {
	streams chan *fakeStream
	hold    chan struct{}

	mu  sync.Mutex
	err error
}

type fakeStream struct {
	req provider.ChatRequest
	ctx context.Context
	w   *io.PipeWriter
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{streams: make(chan *fakeStream, 16)}
}

func (p *fakeProvider) failWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProvider) StreamChat(ctx context.Context, req provider.ChatRequest) (io.ReadCloser, error) {
	if p.hold != nil {
		select {
		case <-p.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		<-ctx.Done()
		_ = pw.CloseWithError(ctx.Err())
	}()
	p.streams <- &fakeStream{req: req, ctx: ctx, w: pw}
	return pr, nil
}

func (p *fakeProvider) next(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case fs := <-p.streams:
		return fs
	case <-time.After(waitFor):
		t.Fatal("provider was never called")
		return nil
	}
}

func (fs *fakeStream) send(t *testing.T, deltas ...string) {
	t.Helper()
	for _, d := range deltas {
		b, err := json.Marshal(map[string]any{
			"choices": []map[string]any{{"index": 0, "delta": map[string]any{"content": d}}},
		})
		require.NoError(t, err)
		_, err = fs.w.Write([]byte("data: " + string(b) + "\n\n"))
		require.NoError(t, err)
	}
}

func (fs *fakeStream) finish() {
	_, _ = fs.w.Write([]byte("data: [DONE]\n\n"))
	_ = fs.w.Close()
}

// flakyStore injects failures into an in-memory store.
type flakyStore struct {
	*convstore.InMemoryStore

	mu           sync.Mutex
	createErr    error
	appendErrFor string
	createGate   chan struct{}
}

func (s *flakyStore) CreateConversation(ctx context.Context, title string, messages []convstore.Message) (string, error) {
	s.mu.Lock()
	err, gate := s.createErr, s.createGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return s.InMemoryStore.CreateConversation(ctx, title, messages)
}

// AppendMessages fails when any appended message has role appendErrFor.
func (s *flakyStore) AppendMessages(ctx context.Context, convID string, messages []convstore.Message) error {
	s.mu.Lock()
	role := s.appendErrFor
	s.mu.Unlock()
	for _, m := range messages {
		if role != "" && m.Role == role {
			return io.ErrUnexpectedEOF
		}
	}
	return s.InMemoryStore.AppendMessages(ctx, convID, messages)
}

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

// recorder captures subscriber callbacks as "kind:value" strings.
type recorder struct {
	mu     sync.Mutex
	events []string
	once   sync.Once
	done   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(content string) { r.add("progress:" + content) },
		OnComplete: func(content, convID string) {
			r.add("complete:" + content)
			r.once.Do(func() { close(r.done) })
		},
		OnError: func(msg string) {
			r.add("error:" + msg)
			r.once.Do(func() { close(r.done) })
		},
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) wait(t *testing.T) []string {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(waitFor):
		t.Fatalf("no terminal notification, got %v", r.snapshot())
	}
	return r.snapshot()
}

// busRecorder collects topics published on the global bus.
type busRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *busRecorder) handle(_ context.Context, ev eventbus.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *busRecorder) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Topic)
	}
	return out
}

func (b *busRecorder) last(topic string) (eventbus.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].Topic == topic {
			return b.events[i], true
		}
	}
	return eventbus.Event{}, false
}

type harness struct {
	svc   *Service
	store *flakyStore
	prov  *fakeProvider
	bus   *busRecorder
	clock *fakeClock

	events eventbus.Bus
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: &flakyStore{InMemoryStore: convstore.NewInMemoryStore()},
		prov:  newFakeProvider(),
		bus:   &busRecorder{},
		clock: &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	bus := eventbus.NewGoChannelBus(nil)
	for _, topic := range AllTopics {
		_, err := bus.Subscribe(context.Background(), topic, h.bus.handle)
		require.NoError(t, err)
	}
	svc, err := NewService(Options{
		Store:        h.store,
		Provider:     h.prov,
		Bus:          bus,
		DefaultModel: "test-model",
		TokenCounter: wordCounter{},
		Now:          h.clock.Now,
	})
	require.NoError(t, err)
	h.svc = svc
	h.events = bus
	t.Cleanup(func() {
		_ = svc.Close()
		_ = bus.Close()
	})
	return h
}

func (h *harness) waitStatus(t *testing.T, id string, want Status) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		var ok bool
		snap, ok = h.svc.GetStreamState(id)
		return ok && snap.Status == want
	}, waitFor, 5*time.Millisecond)
	return snap
}
