package dispatch

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next frame or pong from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size.
	maxMessageSize = 64 * 1024

	defaultQueueSize = 64
)

// Sender is the write side of a live socket. Send must never block; it
// reports false when the frame could not be queued.
type Sender interface {
	Send(payload []byte) bool
	Ready() bool
	RemoteAddr() string
}

// SendJSON marshals v once and hands it to s.
func SendJSON(s Sender, v any) bool {
	if s == nil || !s.Ready() {
		return false
	}
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return s.Send(b)
}

// WSSession wraps one websocket connection. Reads happen on the goroutine
// calling ReadLoop, writes on the pump started by Start.
type WSSession struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	remote string

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func NewWSSession(conn *websocket.Conn, r *http.Request, queueSize int) *WSSession {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &WSSession{
		conn:   conn,
		send:   make(chan []byte, queueSize),
		done:   make(chan struct{}),
		remote: RemoteIP(r),
	}
}

// Start launches the write pump.
func (s *WSSession) Start() { go s.writePump() }

func (s *WSSession) Send(payload []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

func (s *WSSession) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed
}

func (s *WSSession) RemoteAddr() string { return s.remote }

// Done is closed once the session shuts down.
func (s *WSSession) Done() <-chan struct{} { return s.done }

// ReadLoop delivers inbound text frames to handle, one at a time and in
// arrival order, until the peer goes away. The session is closed on return.
func (s *WSSession) ReadLoop(handle func([]byte)) error {
	defer s.Close()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return nil
			}
			return err
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		handle(data)
	}
}

func (s *WSSession) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.done)
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *WSSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// RemoteIP prefers the first X-Forwarded-For hop over the socket address.
func RemoteIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		parts := strings.Split(ip, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
