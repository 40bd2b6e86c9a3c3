package convstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InMemoryStore keeps conversations in process memory. It mirrors the SQLite
// store's ordering and de-duplication semantics.
type InMemoryStore struct {
	mu    sync.Mutex
	convs map[string]*inMemConversation
}

type inMemConversation struct {
	conv Conversation
	ids  map[string]struct{}
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{convs: map[string]*inMemConversation{}}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) CreateConversation(_ context.Context, title string, messages []Message) (string, error) {
	if s == nil {
		return "", errors.New("in-memory conversation store: nil store")
	}
	now := time.Now()
	id := uuid.NewString()
	c := &inMemConversation{
		conv: Conversation{ID: id, Title: title, CreatedAt: now, UpdatedAt: now},
		ids:  map[string]struct{}{},
	}
	c.append(NormalizeMessages(messages, now))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id] = c
	return id, nil
}

func (s *InMemoryStore) AppendMessages(_ context.Context, convID string, messages []Message) error {
	if s == nil {
		return errors.New("in-memory conversation store: nil store")
	}
	convID, err := validateConvID(convID)
	if err != nil {
		return errors.Wrap(err, "in-memory conversation store")
	}
	now := time.Now()
	msgs := NormalizeMessages(messages, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "in-memory conversation store: %s", convID)
	}
	c.append(msgs)
	c.conv.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, convID string) (*Conversation, error) {
	if s == nil {
		return nil, errors.New("in-memory conversation store: nil store")
	}
	convID, err := validateConvID(convID)
	if err != nil {
		return nil, errors.Wrap(err, "in-memory conversation store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[convID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "in-memory conversation store: %s", convID)
	}
	out := c.conv
	out.Messages = append([]Message(nil), c.conv.Messages...)
	return &out, nil
}

func (s *InMemoryStore) GetMessages(ctx context.Context, convID string) ([]Message, error) {
	conv, err := s.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, convID string) error {
	if s == nil {
		return errors.New("in-memory conversation store: nil store")
	}
	convID, err := validateConvID(convID)
	if err != nil {
		return errors.Wrap(err, "in-memory conversation store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[convID]; !ok {
		return errors.Wrapf(ErrNotFound, "in-memory conversation store: %s", convID)
	}
	delete(s.convs, convID)
	return nil
}

func (c *inMemConversation) append(msgs []Message) {
	for _, m := range msgs {
		if _, dup := c.ids[m.ID]; dup {
			continue
		}
		c.ids[m.ID] = struct{}{}
		c.conv.Messages = append(c.conv.Messages, m)
	}
}
