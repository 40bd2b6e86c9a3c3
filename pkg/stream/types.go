package stream

import (
	"time"

	"github.com/go-go-golems/chatstream/pkg/persistence/convstore"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

const (
	// AbortedMessage is the error message of a stream cancelled by its owner.
	AbortedMessage = "aborted by user"
	// ShutdownMessage is used for streams still running when the service closes.
	ShutdownMessage = "stream cancelled: service shutting down"

	DefaultGracePeriod     = 5 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultSystemPrompt    = "You are a helpful assistant. Answer clearly and concisely."
)

// StartParams describes one chat turn. An empty ConversationID means the
// conversation does not exist yet and will be created by the worker.
type StartParams struct {
	ConversationID     string
	UserMessageContent string
	MessageHistory     []convstore.Message
	Model              string
	APIKey             string
	// SystemPrompt overrides the service preamble for this stream.
	SystemPrompt string
}

// Snapshot is a read-only copy of a stream record.
type Snapshot struct {
	StreamID           string              `json:"stream_id"`
	ConversationID     string              `json:"conversation_id,omitempty"`
	UserMessage        string              `json:"user_message"`
	AssistantMessageID string              `json:"assistant_message_id"`
	Content            string              `json:"content"`
	Status             Status              `json:"status"`
	Model              string              `json:"model"`
	MessageHistory     []convstore.Message `json:"message_history,omitempty"`
	Title              string              `json:"title"`
	ErrorMessage       string              `json:"error_message,omitempty"`
	CompletionTokens   int                 `json:"completion_tokens,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	FinishedAt         *time.Time          `json:"finished_at,omitempty"`
}

// Callbacks receive notifications for one stream. Any of them may be nil.
// They run on the stream's worker goroutine (or on the caller of Subscribe
// or AbortStream for replayed/synchronous notifications) and must not call
// Subscribe or AbortStream for the same stream synchronously.
type Callbacks struct {
	OnProgress func(content string)
	OnComplete func(content, conversationID string)
	OnError    func(message string)
}
