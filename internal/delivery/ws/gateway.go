package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
	"github.com/mmuslimabdulj/board-presence/internal/logger"
	"github.com/mmuslimabdulj/board-presence/internal/metrics"
	"github.com/mmuslimabdulj/board-presence/internal/presence"
)

// Settings tunes per-connection limits and identity policy
type Settings struct {
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	CursorRate     rate.Limit
	CursorBurst    int

	// AllowGuests accepts joins from connections without a verified token
	AllowGuests bool
	// RequireGuestPrefix forces unverified ids to start with "guest-" so
	// they cannot impersonate provider ids
	RequireGuestPrefix bool

	// OpTimeout bounds each registry call
	OpTimeout time.Duration
}

// DefaultSettings returns the production defaults
func DefaultSettings() Settings {
	return Settings{
		PongWait:       domain.PongWait,
		MaxMessageSize: domain.MaxMessageSize,
		SendBuffer:     domain.SendBufferSize,
		CursorRate:     domain.DefaultCursorRateLimit,
		CursorBurst:    10,
		AllowGuests:    true,
		OpTimeout:      2 * time.Second,
	}
}

type messageHandler func(c *Client, payload json.RawMessage)

// Gateway owns the set of open connections on this instance, turns their
// messages into registry calls and hands every outbound event to the Router.
type Gateway struct {
	mu       sync.RWMutex
	clients  map[string]*Client            // connection key -> client
	boards   map[string]map[string]*Client // board id -> connection key -> client
	boardOf  map[string]string             // connection key -> board id
	settings Settings

	registry presence.Registry
	router   *Router
	handlers map[domain.MessageType]messageHandler
	metrics  metrics.Recorder
	logger   *slog.Logger
}

// NewGateway creates a Gateway backed by registry
func NewGateway(registry presence.Registry, settings Settings) *Gateway {
	def := DefaultSettings()
	if settings.PongWait <= 0 {
		settings.PongWait = def.PongWait
	}
	if settings.MaxMessageSize <= 0 {
		settings.MaxMessageSize = def.MaxMessageSize
	}
	if settings.SendBuffer <= 0 {
		settings.SendBuffer = def.SendBuffer
	}
	if settings.CursorRate <= 0 {
		settings.CursorRate = def.CursorRate
	}
	if settings.CursorBurst <= 0 {
		settings.CursorBurst = def.CursorBurst
	}
	if settings.OpTimeout <= 0 {
		settings.OpTimeout = def.OpTimeout
	}

	g := &Gateway{
		clients:  make(map[string]*Client),
		boards:   make(map[string]map[string]*Client),
		boardOf:  make(map[string]string),
		settings: settings,
		registry: registry,
		metrics:  metrics.Nop{},
		logger:   logger.Discard(),
	}
	g.router = NewRouter(registry, g)
	g.handlers = map[domain.MessageType]messageHandler{
		domain.MessageTypeJoin:       g.handleJoin,
		domain.MessageTypeCursorMove: g.handleCursorMove,
	}
	return g
}

// SetLogger replaces the discard logger
func (g *Gateway) SetLogger(l *slog.Logger) {
	g.logger = l
	g.router.logger = l
}

// SetMetrics replaces the no-op recorder
func (g *Gateway) SetMetrics(m metrics.Recorder) {
	g.metrics = m
	g.router.metrics = m
}

// SetRelay forwards routed events to other instances
func (g *Gateway) SetRelay(r Relay) {
	g.router.SetRelay(r)
}

// Router returns the router events are dispatched through
func (g *Gateway) Router() *Router {
	return g.router
}

// Register adds a client in the Connected state
func (g *Gateway) Register(c *Client) {
	g.mu.Lock()
	g.clients[c.Key] = c
	g.mu.Unlock()

	g.metrics.ConnectionOpened()
	g.logger.Debug("connection opened", "key", c.Key)
}

// Unregister closes c, removes its registry entry and announces the
// departure. Only the first call for a client has any effect.
func (g *Gateway) Unregister(c *Client) {
	g.mu.Lock()
	if _, ok := g.clients[c.Key]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.Key)
	g.leaveBoardLocked(c.Key)
	g.mu.Unlock()

	defer close(c.done)

	userID, gen, identified := c.close()
	g.metrics.ConnectionClosed()
	if !identified {
		g.logger.Debug("connection closed before join", "key", c.Key)
		return
	}
	g.metrics.UserDeparted()

	ctx, cancel := g.opContext()
	defer cancel()

	removed, err := g.registry.Remove(ctx, c.Key, gen)
	if err != nil {
		g.logger.Warn("registry remove failed", "key", c.Key, "user", userID, "error", err)
	} else if !removed {
		// A newer connection owns this user id now
		g.logger.Debug("stale remove ignored", "key", c.Key, "user", userID, "gen", gen)
		return
	}

	g.router.Route(g.leaveEvent(c.Key, userID))
	g.logger.Info("user left", "key", c.Key, "user", userID)
}

// HandleMessage dispatches one inbound frame
func (g *Gateway) HandleMessage(c *Client, data []byte) {
	env, err := domain.Decode(data)
	if err != nil {
		g.drop(c, metrics.DropMalformed, "malformed frame", err)
		return
	}
	g.metrics.MessageReceived(string(env.Type))

	handle, ok := g.handlers[env.Type]
	if !ok {
		g.drop(c, metrics.DropUnknownType, "unknown message type", nil, "type", env.Type)
		return
	}
	handle(c, env.Payload)
}

func (g *Gateway) handleJoin(c *Client, payload json.RawMessage) {
	var p domain.JoinPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		g.drop(c, metrics.DropMalformed, "malformed join", err)
		return
	}

	user, err := g.resolveIdentity(c, p)
	if err != nil {
		g.metrics.MessageDropped(metrics.DropIdentity)
		g.logger.Warn("join rejected", "key", c.Key, "error", err)
		return
	}

	if p.BoardID != "" {
		if ValidBoardID(p.BoardID) {
			user.BoardID = p.BoardID
		} else {
			g.logger.Debug("join board ignored", "key", c.Key, "length", len(p.BoardID))
		}
	}

	ctx, cancel := g.opContext()
	defer cancel()

	up, err := g.registry.Upsert(ctx, c.Key, *user)
	if err != nil {
		g.metrics.MessageDropped(metrics.DropRegistry)
		g.logger.Warn("registry upsert failed", "key", c.Key, "user", user.ID, "error", err)
		return
	}

	prevID, first := c.identify(*user, up.Generation)
	if first {
		g.metrics.UserIdentified()
		g.logger.Info("user joined", "key", c.Key, "user", user.ID, "board", user.BoardID)
	}
	// Another connection may have taken prevID over; then it is still present
	if up.Dropped != "" {
		g.router.Route(g.leaveEvent(c.Key, up.Dropped))
	} else if prevID != "" && prevID != user.ID {
		g.logger.Debug("previous identity kept by another connection", "key", c.Key, "user", prevID)
	}
	if user.BoardID != "" {
		g.setBoard(c, user.BoardID)
	}

	if err := g.router.SendSync(ctx, c); err != nil {
		g.logger.Warn("sync failed", "key", c.Key, "error", err)
	}

	data, err := domain.Encode(domain.MessageTypeUserJoined, user)
	if err != nil {
		return
	}
	g.router.Route(Event{
		Kind:    EventJoin,
		Origin:  c.Key,
		BoardID: user.BoardID,
		UserID:  user.ID,
		Data:    data,
	})
}

func (g *Gateway) handleCursorMove(c *Client, payload json.RawMessage) {
	userID := c.UserID()
	if userID == "" {
		g.drop(c, metrics.DropUnidentified, "cursor-move before join", nil)
		return
	}
	if !c.limiter.Allow() {
		g.drop(c, metrics.DropRateLimited, "cursor-move rate limited", nil)
		return
	}

	var p domain.CursorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		g.drop(c, metrics.DropMalformed, "malformed cursor-move", err)
		return
	}
	cursor, ok := ValidateCursor(p.Cursor)
	if !ok || (p.BoardID != "" && !ValidBoardID(p.BoardID)) {
		g.drop(c, metrics.DropInvalid, "invalid cursor-move", nil)
		return
	}

	ctx, cancel := g.opContext()
	defer cancel()

	updated, err := g.registry.UpdateCursor(ctx, c.Key, cursor, p.BoardID)
	if err != nil {
		g.metrics.MessageDropped(metrics.DropRegistry)
		g.logger.Warn("registry cursor update failed", "key", c.Key, "error", err)
		return
	}
	if !updated {
		g.drop(c, metrics.DropUnidentified, "cursor-move for unknown entry", nil)
		return
	}

	// An empty board means the client has no board open
	if p.BoardID == "" {
		g.mu.Lock()
		g.leaveBoardLocked(c.Key)
		g.mu.Unlock()
		return
	}
	g.setBoard(c, p.BoardID)

	// The id on the wire is always the one captured at join
	data, err := domain.Encode(domain.MessageTypeCursorUpdate, domain.CursorPayload{
		ID:      userID,
		Cursor:  cursor,
		BoardID: p.BoardID,
	})
	if err != nil {
		return
	}
	g.router.Route(Event{
		Kind:    EventCursor,
		Origin:  c.Key,
		BoardID: p.BoardID,
		UserID:  userID,
		Data:    data,
	})
}

// RunResync resends the snapshot to every identified connection whenever
// the registry reports a change, until ctx is done. A non-positive
// interval disables it.
func (g *Gateway) RunResync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.ResyncOnce(ctx)
		}
	}
}

// ResyncOnce performs a single dirty check. It returns how many
// connections were sent a snapshot.
func (g *Gateway) ResyncOnce(ctx context.Context) int {
	opCtx, cancel := g.opContext()
	defer cancel()

	dirty, err := g.registry.TakeDirty(opCtx)
	if err != nil {
		g.logger.Warn("dirty check failed", "error", err)
		return 0
	}
	if !dirty {
		return 0
	}

	sent := 0
	for _, c := range g.All() {
		if ctx.Err() != nil {
			break
		}
		if c.State() != StateIdentified {
			continue
		}
		if err := g.router.SendSync(opCtx, c); err != nil {
			g.logger.Warn("resync failed", "key", c.Key, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// RunHeartbeat keeps this instance's registry entries alive until ctx is
// done and prunes entries left behind by instances that stopped.
func (g *Gateway) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.HeartbeatOnce()
		}
	}
}

// HeartbeatOnce refreshes every identified connection's entry once
func (g *Gateway) HeartbeatOnce() {
	var keys []string
	for _, c := range g.All() {
		if c.State() == StateIdentified {
			keys = append(keys, c.Key)
		}
	}

	ctx, cancel := g.opContext()
	defer cancel()

	if err := g.registry.Refresh(ctx, keys); err != nil {
		g.logger.Warn("registry refresh failed", "connections", len(keys), "error", err)
	}
	pruned, err := g.registry.Prune(ctx)
	if err != nil {
		g.logger.Warn("registry prune failed", "error", err)
		return
	}
	if pruned > 0 {
		g.logger.Info("expired presence entries pruned", "count", pruned)
	}
}

// Shutdown closes every open transport and waits until each of those
// connections has run the normal unregister path, or ctx is done.
// Connections accepted afterwards are not waited for.
func (g *Gateway) Shutdown(ctx context.Context) error {
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	open := g.All()
	for _, c := range open {
		if c.conn == nil {
			g.Unregister(c)
			continue
		}
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		c.conn.Close()
	}

	for i, c := range open {
		select {
		case <-c.done:
		case <-ctx.Done():
			g.logger.Warn("shutdown incomplete", "pending", len(open)-i, "error", ctx.Err())
			return ctx.Err()
		}
	}
	return nil
}

// All returns every open connection on this instance
func (g *Gateway) All() []*Client {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		out = append(out, c)
	}
	return out
}

// OnBoard returns the connections whose last reported board is boardID
func (g *Gateway) OnBoard(boardID string) []*Client {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set := g.boards[boardID]
	out := make([]*Client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// ClientCount returns the number of open connections
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// BoardOf returns the board a connection last reported
func (g *Gateway) BoardOf(key string) string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.boardOf[key]
}

func (g *Gateway) setBoard(c *Client, boardID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.clients[c.Key]; !ok {
		return
	}
	if g.boardOf[c.Key] == boardID {
		return
	}
	g.leaveBoardLocked(c.Key)

	set, ok := g.boards[boardID]
	if !ok {
		set = make(map[string]*Client)
		g.boards[boardID] = set
	}
	set[c.Key] = c
	g.boardOf[c.Key] = boardID
}

// leaveBoardLocked must be called with g.mu held
func (g *Gateway) leaveBoardLocked(key string) {
	old, ok := g.boardOf[key]
	if !ok {
		return
	}
	delete(g.boardOf, key)
	if set := g.boards[old]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(g.boards, old)
		}
	}
}

func (g *Gateway) leaveEvent(origin, userID string) Event {
	data, _ := domain.Encode(domain.MessageTypeUserLeave, domain.LeavePayload{ID: userID})
	return Event{
		Kind:   EventLeave,
		Origin: origin,
		UserID: userID,
		Data:   data,
	}
}

func (g *Gateway) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.settings.OpTimeout)
}

// drop counts a discarded message and logs it at debug level
func (g *Gateway) drop(c *Client, reason, msg string, err error, attrs ...any) {
	g.metrics.MessageDropped(reason)
	attrs = append(attrs, "key", c.Key, "reason", reason)
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	g.logger.Debug(msg, attrs...)
}
