package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mmuslimabdulj/board-presence/internal/auth"
	"github.com/mmuslimabdulj/board-presence/internal/domain"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second
)

// ConnState is the lifecycle of one connection after the handshake
type ConnState int

const (
	StateConnected ConnState = iota
	StateIdentified
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is a single websocket connection. Key addresses the transport
// session and is distinct from the user id learned at join.
type Client struct {
	Key     string
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{} // closed once Unregister has finished

	// pinned is set when the upgrade carried a verified token
	pinned  *auth.Identity
	limiter *rate.Limiter

	mu     sync.Mutex
	state  ConnState
	user   domain.User
	gen    uint64
	closed bool
}

// NewClient creates a Client in the Connected state
func NewClient(g *Gateway, conn *websocket.Conn, pinned *auth.Identity) *Client {
	return &Client{
		Key:     uuid.New().String(),
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, g.settings.SendBuffer),
		done:    make(chan struct{}),
		pinned:  pinned,
		limiter: rate.NewLimiter(g.settings.CursorRate, g.settings.CursorBurst),
		state:   StateConnected,
	}
}

// State returns the current lifecycle state
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the id captured at identification, or "" before join
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdentified {
		return ""
	}
	return c.user.ID
}

// identify records the user this connection joined as. It returns the
// previously identified id (if any) and whether this is the first join.
func (c *Client) identify(user domain.User, gen uint64) (prevID string, first bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateIdentified {
		prevID = c.user.ID
	}
	first = c.state == StateConnected
	if c.state != StateClosed {
		c.state = StateIdentified
	}
	c.user = user.Clone()
	c.gen = gen
	return prevID, first
}

// close moves the client to Closed and returns what it was identified as.
// Safe to call more than once.
func (c *Client) close() (userID string, gen uint64, identified bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", 0, false
	}
	identified = c.state == StateIdentified
	userID, gen = c.user.ID, c.gen

	c.closed = true
	c.state = StateClosed
	close(c.send)
	return userID, gen, identified
}

// ReadPump pumps messages from the websocket connection to the gateway.
// Messages are handled in arrival order on this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.gateway.Unregister(c)
		c.conn.Close()
	}()

	pongWait := c.gateway.settings.PongWait
	c.conn.SetReadLimit(c.gateway.settings.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.gateway.logger.Debug("connection read failed", "key", c.Key, "error", err)
			}
			break
		}

		c.gateway.HandleMessage(c, message)
	}
}

// WritePump pumps messages from the send queue to the websocket connection
func (c *Client) WritePump() {
	// Send pings to peer with this period (must be less than pongWait)
	ticker := time.NewTicker((c.gateway.settings.PongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Gateway closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues msg without blocking. A full queue drops the message;
// positions are stale by the time a slow reader would catch up.
func (c *Client) Send(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.gateway.metrics.SendBufferFull()
		return false
	}
}
