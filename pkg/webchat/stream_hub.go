package webchat

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-go-golems/chatstream/pkg/eventbus"
	"github.com/go-go-golems/chatstream/pkg/stream"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	FrameProgress = "progress"
	FrameComplete = "complete"
	FrameError    = "error"
	FramePong     = "pong"
)

// StreamFrame is what a stream websocket receives.
type StreamFrame struct {
	Type           string `json:"type"`
	StreamID       string `json:"stream_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Error          string `json:"error,omitempty"`
}

// EventFrame wraps one global bus event for /ws/events clients.
type EventFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// clientMessage is what clients may send on a stream socket.
type clientMessage struct {
	Type string `json:"type"`
}

// StreamHub attaches websockets to streams and to the global event feed.
type StreamHub struct {
	svc     *stream.Service
	bus     eventbus.Bus
	streams *ConnectionPool
	events  *ConnectionPool

	mu      sync.Mutex
	started bool
	unsubs  []func()
}

func NewStreamHub(svc *stream.Service, bus eventbus.Bus) (*StreamHub, error) {
	if svc == nil {
		return nil, errors.New("stream hub: service is nil")
	}
	return &StreamHub{
		svc:     svc,
		bus:     bus,
		streams: NewConnectionPool("streams", 0, nil),
		events:  NewConnectionPool("events", 0, nil),
	}, nil
}

// Start forwards every global event to /ws/events clients. Without a bus it
// is a no-op.
func (h *StreamHub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started || h.bus == nil {
		return nil
	}
	for _, topic := range stream.AllTopics {
		unsub, err := h.bus.Subscribe(ctx, topic, h.forwardEvent)
		if err != nil {
			for _, u := range h.unsubs {
				u()
			}
			h.unsubs = nil
			return errors.Wrapf(err, "stream hub: subscribe %s", topic)
		}
		h.unsubs = append(h.unsubs, unsub)
	}
	h.started = true
	return nil
}

func (h *StreamHub) forwardEvent(_ context.Context, ev eventbus.Event) {
	b, err := json.Marshal(EventFrame{Topic: ev.Topic, Payload: ev.Payload})
	if err != nil {
		return
	}
	h.events.Broadcast(b)
}

func (h *StreamHub) Close() {
	h.mu.Lock()
	unsubs := h.unsubs
	h.unsubs = nil
	h.started = false
	h.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
	h.streams.CloseAll()
	h.events.CloseAll()
}

// AttachStream subscribes conn to one stream. The socket gets the replay
// described by stream.Service.Subscribe, then live frames, and is closed after
// the terminal frame. A client disconnect only detaches; the stream goes on.
// Clients may send "ping" or {"type":"ping"} and {"type":"abort"}.
func (h *StreamHub) AttachStream(streamID string, conn *websocket.Conn) error {
	snap, ok := h.svc.GetStreamState(streamID)
	if !ok {
		return errors.Wrapf(stream.ErrStreamNotFound, "stream %s", streamID)
	}
	wsLog := log.With().
		Str("component", "webchat").
		Str("remote", conn.RemoteAddr().String()).
		Str("stream_id", streamID).
		Logger()

	h.streams.Add(conn)
	send := func(f StreamFrame) {
		f.StreamID = streamID
		if b, err := json.Marshal(f); err == nil {
			h.streams.SendToOne(conn, b)
		}
	}
	unsubscribe, err := h.svc.Subscribe(streamID, stream.Callbacks{
		OnProgress: func(content string) {
			send(StreamFrame{Type: FrameProgress, ConversationID: snap.ConversationID, Content: content})
		},
		OnComplete: func(content, convID string) {
			send(StreamFrame{Type: FrameComplete, ConversationID: convID, Content: content})
			h.streams.CloseAfterFlush(conn)
		},
		OnError: func(message string) {
			send(StreamFrame{Type: FrameError, ConversationID: snap.ConversationID, Error: message})
			h.streams.CloseAfterFlush(conn)
		},
	})
	if err != nil {
		h.streams.Remove(conn)
		return err
	}
	wsLog.Debug().Msg("ws attached to stream")

	go func() {
		defer wsLog.Debug().Msg("ws detached from stream")
		defer h.streams.Remove(conn)
		defer unsubscribe()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}
			switch parseClientMessage(data) {
			case "ping":
				send(StreamFrame{Type: FramePong})
			case "abort":
				if h.svc.AbortStream(streamID) {
					wsLog.Info().Msg("stream aborted by websocket client")
				}
			}
		}
	}()
	return nil
}

// AttachEvents adds conn to the global event feed until it disconnects.
func (h *StreamHub) AttachEvents(conn *websocket.Conn) {
	h.events.Add(conn)
	go func() {
		defer h.events.Remove(conn)
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType == websocket.TextMessage && parseClientMessage(data) == "ping" {
				if b, err := json.Marshal(StreamFrame{Type: FramePong}); err == nil {
					h.events.SendToOne(conn, b)
				}
			}
		}
	}()
}

func parseClientMessage(data []byte) string {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" || text == "abort" {
		return text
	}
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(msg.Type))
}
