package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	defaultSendBuffer   = 256
	defaultWriteTimeout = 10 * time.Second
)

// wsConn is the subset of *websocket.Conn the pool writes through.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// ConnectionPool fans frames out to websocket connections. Every connection
// has its own buffered writer goroutine, so a slow client never blocks the
// caller; a client whose buffer overflows is dropped.
type ConnectionPool struct {
	name         string
	mu           sync.Mutex
	conns        map[wsConn]*connWriter
	sendBuffer   int
	writeTimeout time.Duration
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
}

type connWriter struct {
	conn    wsConn
	ch      chan []byte
	closing bool
}

func NewConnectionPool(name string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		name:         name,
		conns:        map[wsConn]*connWriter{},
		sendBuffer:   defaultSendBuffer,
		writeTimeout: defaultWriteTimeout,
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	w := &connWriter{conn: conn, ch: make(chan []byte, cp.sendBuffer)}
	cp.mu.Lock()
	if _, ok := cp.conns[conn]; ok {
		cp.mu.Unlock()
		return
	}
	cp.conns[conn] = w
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()

	go cp.writeLoop(w)
}

func (cp *ConnectionPool) writeLoop(w *connWriter) {
	for data := range w.ch {
		if cp.writeTimeout > 0 {
			_ = w.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
		}
		if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("pool", cp.name).Msg("ws write failed, dropping connection")
			cp.Remove(w.conn)
			for range w.ch {
			}
			return
		}
	}
	// Channel closed: everything queued before CloseAfterFlush was written.
	if cp.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
	}
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = w.conn.Close()
}

// Remove drops conn immediately, discarding frames not yet written.
func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	w, ok := cp.conns[conn]
	if ok {
		delete(cp.conns, conn)
		if !w.closing {
			w.closing = true
			close(w.ch)
		}
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
	_ = conn.Close()
}

// CloseAfterFlush writes the frames already queued for conn, then closes it
// with a normal closure.
func (cp *ConnectionPool) CloseAfterFlush(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	w, ok := cp.conns[conn]
	if !ok {
		return
	}
	delete(cp.conns, conn)
	if !w.closing {
		w.closing = true
		close(w.ch)
	}
	cp.scheduleIdleTimerLocked()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	for conn, w := range cp.conns {
		cp.enqueueLocked(conn, w, data)
	}
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if w, ok := cp.conns[conn]; ok {
		cp.enqueueLocked(conn, w, data)
	}
}

func (cp *ConnectionPool) enqueueLocked(conn wsConn, w *connWriter, data []byte) {
	if w.closing {
		return
	}
	select {
	case w.ch <- data:
	default:
		log.Warn().Str("component", "webchat").Str("pool", cp.name).Msg("ws send buffer full, dropping connection")
		delete(cp.conns, conn)
		w.closing = true
		close(w.ch)
		_ = conn.Close()
		cp.scheduleIdleTimerLocked()
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn, w := range cp.conns {
		delete(cp.conns, conn)
		if !w.closing {
			w.closing = true
			close(w.ch)
		}
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
