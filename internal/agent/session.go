package agent

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mmuslimabdulj/board-presence/internal/logger"
)

const (
	writeWait  = 10 * time.Second
	minBackoff = 500 * time.Millisecond
	maxBackoff = 30 * time.Second
)

// Session keeps an Agent connected to the gateway, reconnecting with
// exponential backoff. Each connection starts with a fresh join.
type Session struct {
	url    string
	header http.Header
	agent  *Agent
	dialer *websocket.Dialer
	logger *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	mu       sync.Mutex // serializes writes
	conn     *websocket.Conn
	connects int
}

// NewSession creates a session for url; header may carry Authorization
func NewSession(url string, header http.Header, a *Agent) *Session {
	return &Session{
		url:        url,
		header:     header,
		agent:      a,
		dialer:     websocket.DefaultDialer,
		logger:     logger.Discard(),
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// SetLogger replaces the discard logger
func (s *Session) SetLogger(l *slog.Logger) {
	s.logger = l
}

// SetBackoff overrides the reconnect delays
func (s *Session) SetBackoff(initial, limit time.Duration) {
	s.minBackoff, s.maxBackoff = initial, limit
}

// Send implements Sender
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Connected reports whether a transport is currently open
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Connects returns how many connections the session has opened
func (s *Session) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Run connects and serves until ctx is done
func (s *Session) Run(ctx context.Context) error {
	backoff := s.minBackoff

	for {
		conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attrs := []any{"error", err, "retry_in", backoff}
			if resp != nil {
				attrs = append(attrs, "status", resp.StatusCode)
			}
			s.logger.Warn("dial failed", attrs...)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, s.maxBackoff)
			continue
		}

		backoff = s.minBackoff
		s.logger.Info("connected", "url", s.url)
		s.serve(ctx, conn)
		s.logger.Info("disconnected", "url", s.url)

		if ctx.Err() != nil {
			return nil
		}
	}
}

// serve runs one connection until it fails or ctx is done
func (s *Session) serve(ctx context.Context, conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.connects++
	s.mu.Unlock()

	done := make(chan struct{})
	defer func() {
		close(done)
		s.agent.Detach()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			s.mu.Unlock()
			conn.Close()
		case <-done:
		}
	}()

	if err := s.agent.Attach(s); err != nil {
		s.logger.Warn("join failed", "error", err)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := s.agent.Handle(data); err != nil {
			s.logger.Debug("message ignored", "error", err)
		}
	}
}
