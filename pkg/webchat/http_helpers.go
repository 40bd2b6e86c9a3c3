package webchat

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-go-golems/chatstream/pkg/persistence/convstore"
	"github.com/go-go-golems/chatstream/pkg/stream"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CreateStreamRequest is the body of POST /api/streams.
type CreateStreamRequest struct {
	ConversationID string              `json:"conversation_id,omitempty"`
	Prompt         string              `json:"prompt"`
	History        []convstore.Message `json:"history,omitempty"`
	Model          string              `json:"model,omitempty"`
	SystemPrompt   string              `json:"system_prompt,omitempty"`
}

type CreateStreamResponse struct {
	StreamID string `json:"stream_id"`
	Replayed bool   `json:"replayed,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Str("component", "webchat").Msg("write response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var body CreateStreamRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "missing prompt")
		return
	}
	apiKey := bearerToken(r)
	if apiKey == "" {
		apiKey = s.apiKey
	}

	alive := func(id string) bool {
		_, ok := s.svc.GetStreamState(id)
		return ok
	}
	id, replayed, err := s.idem.do(idempotencyKeyFromRequest(r), alive, func() (string, error) {
		return s.svc.StartStream(stream.StartParams{
			ConversationID:     body.ConversationID,
			UserMessageContent: body.Prompt,
			MessageHistory:     body.History,
			Model:              body.Model,
			APIKey:             apiKey,
			SystemPrompt:       body.SystemPrompt,
		})
	})
	if err != nil {
		if errors.Is(err, stream.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "service is shutting down")
			return
		}
		log.Error().Err(err).Str("component", "webchat").Msg("start stream failed")
		writeError(w, http.StatusInternalServerError, "failed to start stream")
		return
	}
	writeJSON(w, http.StatusAccepted, CreateStreamResponse{StreamID: id, Replayed: replayed})
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.svc.GetStreamState(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Has("conversation_id") {
		snap, ok := s.svc.GetStreamForConversation(q.Get("conversation_id"))
		if !ok {
			writeError(w, http.StatusNotFound, "no stream for conversation")
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	var out []stream.Snapshot
	switch strings.ToLower(q.Get("active")) {
	case "1", "true", "yes":
		out = s.svc.GetActiveStreams()
	default:
		out = s.svc.ListStreams()
	}
	if out == nil {
		out = []stream.Snapshot{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAbortStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.svc.GetStreamState(id); !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	s.svc.AbortStream(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStreamSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.svc.GetStreamState(id); !ok {
		writeError(w, http.StatusNotFound, "stream not found")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("websocket upgrade failed")
		return
	}
	if err := s.hub.AttachStream(id, conn); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		_ = conn.Close()
	}
}

func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("websocket upgrade failed")
		return
	}
	s.hub.AttachEvents(conn)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
