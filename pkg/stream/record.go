package stream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/chatstream/pkg/persistence/convstore"
	"github.com/looplab/fsm"
)

// record is the registry's mutable view of one stream.
//
// Locking: deliverMu serializes every notification of the stream (worker
// deltas, transitions, replay on Subscribe) so subscribers observe one
// ordered sequence. mu guards the fields below it. When both are needed,
// deliverMu is taken first. The service registry lock is never held while
// taking either of them.
type record struct {
	id                 string
	userMessage        string
	assistantMessageID string
	model              string
	apiKey             string
	systemPrompt       string
	title              string
	history            []convstore.Message
	createdAt          time.Time

	ctx    context.Context
	cancel context.CancelFunc

	deliverMu sync.Mutex

	mu               sync.Mutex
	convID           string
	content          strings.Builder
	sm               *fsm.FSM
	errMsg           string
	finishedAt       time.Time
	completionTokens int

	subsMu  sync.Mutex
	subs    map[uint64]*subscriber
	nextSub uint64
}

type subscriber struct {
	cb      Callbacks
	removed atomic.Bool
}

type notificationKind int

const (
	notifyProgress notificationKind = iota
	notifyComplete
	notifyError
)

type notification struct {
	kind    notificationKind
	content string
	convID  string
	errMsg  string
}

func (n notification) terminal() bool {
	return n.kind != notifyProgress
}

func (s *subscriber) deliver(n notification) {
	if s.removed.Load() {
		return
	}
	switch n.kind {
	case notifyProgress:
		if s.cb.OnProgress != nil {
			s.cb.OnProgress(n.content)
		}
	case notifyComplete:
		if s.cb.OnComplete != nil {
			s.cb.OnComplete(n.content, n.convID)
		}
	case notifyError:
		if s.cb.OnError != nil {
			s.cb.OnError(n.errMsg)
		}
	}
}

func (r *record) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		StreamID:           r.id,
		ConversationID:     r.convID,
		UserMessage:        r.userMessage,
		AssistantMessageID: r.assistantMessageID,
		Content:            r.content.String(),
		Status:             r.statusLocked(),
		Model:              r.model,
		Title:              r.title,
		ErrorMessage:       r.errMsg,
		CompletionTokens:   r.completionTokens,
		CreatedAt:          r.createdAt,
	}
	if len(r.history) > 0 {
		snap.MessageHistory = append([]convstore.Message(nil), r.history...)
	}
	if !r.finishedAt.IsZero() {
		at := r.finishedAt
		snap.FinishedAt = &at
	}
	return snap
}

func (r *record) status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statusLocked()
}

func (r *record) conversationID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.convID
}

// addSubscriber registers cb and replays the current state. deliverMu must be
// held so no live notification can slip between the replay and registration.
func (r *record) addSubscriber(cb Callbacks) func() {
	r.mu.Lock()
	st := r.statusLocked()
	replay := notification{content: r.content.String(), convID: r.convID, errMsg: r.errMsg}
	r.mu.Unlock()

	sub := &subscriber{cb: cb}
	unsubscribe := func() {}
	if !st.IsTerminal() {
		r.subsMu.Lock()
		if r.subs == nil {
			r.subs = map[uint64]*subscriber{}
		}
		r.nextSub++
		key := r.nextSub
		r.subs[key] = sub
		r.subsMu.Unlock()
		unsubscribe = func() {
			sub.removed.Store(true)
			r.subsMu.Lock()
			delete(r.subs, key)
			r.subsMu.Unlock()
		}
	}

	switch st {
	case StatusPending:
		return unsubscribe
	case StatusStreaming:
		replay.kind = notifyProgress
	case StatusCompleted:
		replay.kind = notifyComplete
	case StatusError:
		replay.kind = notifyError
	}
	sub.deliver(replay)
	if replay.terminal() {
		sub.removed.Store(true)
	}
	return unsubscribe
}

// fanout delivers n to every current subscriber. deliverMu must be held.
// A terminal notification drops all subscribers afterwards.
func (r *record) fanout(n notification) {
	r.subsMu.Lock()
	subs := make([]*subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	if n.terminal() {
		r.subs = nil
	}
	r.subsMu.Unlock()

	for _, s := range subs {
		s.deliver(n)
		if n.terminal() {
			s.removed.Store(true)
		}
	}
}

func (r *record) subscriberCount() int {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	return len(r.subs)
}
