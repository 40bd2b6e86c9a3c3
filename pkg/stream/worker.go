package stream

import (
	"github.com/go-go-golems/chatstream/pkg/persistence/convstore"
	"github.com/go-go-golems/chatstream/pkg/provider"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

// run drives one stream from pending to a terminal state.
func (s *Service) run(r *record) {
	defer s.wg.Done()
	defer r.cancel()

	logger := log.With().Str("component", "stream").Str("stream_id", r.id).Logger()
	ctx := r.ctx

	convID := r.conversationID()
	created := convID == ""
	userMsg := convstore.Message{
		ID:        r.id + "-user",
		Role:      convstore.RoleUser,
		Content:   r.userMessage,
		CreatedAt: r.createdAt,
	}
	if created {
		msgs := append(append([]convstore.Message(nil), r.history...), userMsg)
		id, err := s.store.CreateConversation(ctx, r.title, msgs)
		if err != nil {
			s.failWorker(r, errors.Wrap(err, "failed to create conversation"))
			return
		}
		if !s.attachConversation(r, id) {
			logger.Debug().Str("conversation_id", id).Msg("stream ended before conversation was attached")
			return
		}
		convID = id
	} else if err := s.store.AppendMessages(ctx, convID, []convstore.Message{userMsg}); err != nil {
		s.failWorker(r, errors.Wrap(err, "failed to save user message"))
		return
	}

	body, err := s.provider.StreamChat(ctx, provider.ChatRequest{
		Model:    r.model,
		APIKey:   r.apiKey,
		Messages: buildProviderMessages(r.systemPrompt, r.history, r.userMessage),
	})
	if err != nil {
		s.failWorker(r, err)
		return
	}
	defer func() { _ = body.Close() }()

	if !s.begin(r) {
		return
	}

	if err := provider.Decode(body, func(delta string) { s.appendDelta(r, delta) }); err != nil {
		s.failWorker(r, errors.Wrap(err, "stream interrupted"))
		return
	}
	if r.status().IsTerminal() {
		return
	}

	content := r.snapshot().Content
	assistant := convstore.Message{
		ID:        r.assistantMessageID,
		Role:      convstore.RoleAssistant,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendMessages(ctx, convID, []convstore.Message{assistant}); err != nil {
		s.failWorker(r, errors.Wrap(err, "failed to save assistant message"))
		return
	}

	tokens := 0
	if s.tokens != nil {
		tokens = s.tokens.Count(content)
	}
	if !s.complete(r, tokens) {
		return
	}
	logger.Debug().Str("conversation_id", convID).Int("completion_tokens", tokens).Msg("stream completed")

	s.publishHistory(r, convID, created)
}

// failWorker reports a worker error. Errors caused by the stream's own
// cancellation are dropped: whoever cancelled already moved the record to error.
func (s *Service) failWorker(r *record, err error) {
	if r.ctx.Err() != nil {
		return
	}
	log.Warn().Err(err).Str("component", "stream").Str("stream_id", r.id).Msg("stream failed")
	s.fail(r, err.Error())
}

func (s *Service) fail(r *record, message string) bool {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	if !r.transitionLocked(eventFail) {
		r.mu.Unlock()
		return false
	}
	r.errMsg = message
	r.finishedAt = s.now()
	n := notification{kind: notifyError, errMsg: message, convID: r.convID}
	r.mu.Unlock()

	s.notify(r, n)
	return true
}

func (s *Service) attachConversation(r *record, convID string) bool {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	if r.statusLocked().IsTerminal() {
		r.mu.Unlock()
		return false
	}
	r.convID = convID
	r.mu.Unlock()

	s.mu.Lock()
	s.byConv[convID] = r.id
	s.mu.Unlock()

	s.publish(TopicNewConversation, NewConversationEvent{StreamID: r.id, ConversationID: convID, Title: r.title})
	return true
}

func (s *Service) begin(r *record) bool {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	if !r.transitionLocked(eventStart) {
		r.mu.Unlock()
		return false
	}
	n := notification{kind: notifyProgress, convID: r.convID}
	r.mu.Unlock()

	s.notify(r, n)
	return true
}

func (s *Service) appendDelta(r *record, delta string) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	if r.statusLocked() != StatusStreaming {
		r.mu.Unlock()
		return
	}
	r.content.WriteString(delta)
	n := notification{kind: notifyProgress, content: r.content.String(), convID: r.convID}
	r.mu.Unlock()

	s.notify(r, n)
}

func (s *Service) complete(r *record, tokens int) bool {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	if !r.transitionLocked(eventComplete) {
		r.mu.Unlock()
		return false
	}
	r.finishedAt = s.now()
	r.completionTokens = tokens
	n := notification{kind: notifyComplete, content: r.content.String(), convID: r.convID}
	r.mu.Unlock()

	s.notify(r, n)
	return true
}

func (s *Service) publishHistory(r *record, convID string, created bool) {
	if s.bus == nil {
		return
	}
	conv, err := s.store.GetConversation(r.ctx, convID)
	if err != nil {
		log.Warn().Err(err).Str("component", "stream").Str("conversation_id", convID).Msg("failed to load conversation for history event")
		return
	}
	typ := HistoryUpdated
	if created {
		typ = HistoryCreated
	}
	s.publish(TopicHistoryUpdated, HistoryUpdatedEvent{Type: typ, ID: convID, Conversation: conv})
}

func buildProviderMessages(systemPrompt string, history []convstore.Message, userContent string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		if m.Content == "" {
			continue
		}
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userContent})
}
