// Package convstore is the conversation store gateway used by the stream
// worker: conversations are created once, then grown by appending messages.
package convstore

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrNotFound = errors.New("conversation not found")

// Message is one stored chat turn. IDs are generated by the client so that a
// retried append can be de-duplicated by the store.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store is the gateway contract. Implementations must be safe for concurrent
// use, keep append order, and ignore a message whose ID is already stored in
// the conversation.
type Store interface {
	CreateConversation(ctx context.Context, title string, messages []Message) (string, error)
	AppendMessages(ctx context.Context, convID string, messages []Message) error
	GetConversation(ctx context.Context, convID string) (*Conversation, error)
	GetMessages(ctx context.Context, convID string) ([]Message, error)
	DeleteConversation(ctx context.Context, convID string) error
	Close() error
}

// NormalizeMessages fills in missing IDs and timestamps.
func NormalizeMessages(messages []Message, now time.Time) []Message {
	out := make([]Message, 0, len(messages))
	for _, m := range messages {
		if strings.TrimSpace(m.ID) == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		out = append(out, m)
	}
	return out
}

func validateConvID(convID string) (string, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return "", errors.New("convID is empty")
	}
	return convID, nil
}
