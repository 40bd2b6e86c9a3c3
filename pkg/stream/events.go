package stream

import (
	"context"
	"sync"

	"github.com/go-go-golems/chatstream/pkg/eventbus"
	"github.com/go-go-golems/chatstream/pkg/persistence/convstore"
	"github.com/rs/zerolog/log"
)

// Topics published on the global event bus.
const (
	TopicProgress        = "chatstream.stream.progress"
	TopicComplete        = "chatstream.stream.complete"
	TopicError           = "chatstream.stream.error"
	TopicNewConversation = "chatstream.stream.new_conversation"
	TopicHistoryUpdated  = "chatstream.history.updated"
)

// AllTopics lists every topic the service publishes, in no particular order.
var AllTopics = []string{
	TopicProgress,
	TopicComplete,
	TopicError,
	TopicNewConversation,
	TopicHistoryUpdated,
}

type ProgressEvent struct {
	StreamID       string `json:"stream_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
}

type CompleteEvent struct {
	StreamID         string `json:"stream_id"`
	ConversationID   string `json:"conversation_id"`
	Content          string `json:"content"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

type ErrorEvent struct {
	StreamID       string `json:"stream_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error"`
}

type NewConversationEvent struct {
	StreamID       string `json:"stream_id"`
	ConversationID string `json:"conversation_id"`
	Title          string `json:"title"`
}

const (
	HistoryCreated = "created"
	HistoryUpdated = "updated"
)

type HistoryUpdatedEvent struct {
	Type         string                  `json:"type"`
	ID           string                  `json:"id"`
	Conversation *convstore.Conversation `json:"conversation,omitempty"`
}

func (s *Service) publish(topic string, payload any) {
	if s.events == nil {
		return
	}
	s.events.push(topic, payload)
}

type outgoing struct {
	topic   string
	payload any
}

// outbox feeds the bus from one goroutine. Callers enqueue while holding a
// stream's delivery lock and never wait for bus subscribers, so a bus handler
// may call back into the service. A single FIFO keeps the global order equal
// to the enqueue order.
type outbox struct {
	bus eventbus.Bus

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []outgoing
	closed bool
	done   chan struct{}
}

func newOutbox(bus eventbus.Bus) *outbox {
	o := &outbox{bus: bus, done: make(chan struct{})}
	o.cond = sync.NewCond(&o.mu)
	go o.loop()
	return o
}

func (o *outbox) push(topic string, payload any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		log.Debug().Str("component", "stream").Str("topic", topic).Msg("event dropped after close")
		return
	}
	o.queue = append(o.queue, outgoing{topic: topic, payload: payload})
	o.cond.Signal()
}

func (o *outbox) loop() {
	defer close(o.done)
	for {
		o.mu.Lock()
		for len(o.queue) == 0 && !o.closed {
			o.cond.Wait()
		}
		batch := o.queue
		o.queue = nil
		closed := o.closed
		o.mu.Unlock()

		for _, ev := range batch {
			// The terminal event of an aborted stream is sent after its
			// context is gone.
			if err := o.bus.Publish(context.Background(), ev.topic, ev.payload); err != nil {
				log.Warn().Err(err).Str("component", "stream").Str("topic", ev.topic).Msg("failed to publish event")
			}
		}
		if closed && len(batch) == 0 {
			return
		}
	}
}

// close stops accepting events and waits until the queued ones are published.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.mu.Unlock()
	<-o.done
}

func (s *Service) notify(r *record, n notification) {
	r.fanout(n)
	switch n.kind {
	case notifyProgress:
		s.publish(TopicProgress, ProgressEvent{StreamID: r.id, ConversationID: n.convID, Content: n.content})
	case notifyComplete:
		s.publish(TopicComplete, CompleteEvent{
			StreamID:         r.id,
			ConversationID:   n.convID,
			Content:          n.content,
			CompletionTokens: r.tokens(),
		})
	case notifyError:
		s.publish(TopicError, ErrorEvent{StreamID: r.id, ConversationID: n.convID, Error: n.errMsg})
	}
}

func (r *record) tokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completionTokens
}
