package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
	"github.com/mmuslimabdulj/board-presence/internal/logger"
	"github.com/mmuslimabdulj/board-presence/internal/metrics"
	"github.com/mmuslimabdulj/board-presence/internal/presence"
)

// EventKind selects the recipient policy for an Event
type EventKind string

const (
	EventJoin   EventKind = "join"
	EventCursor EventKind = "cursor"
	EventLeave  EventKind = "leave"
)

// wire type of each kind, for metrics
var eventMessageTypes = map[EventKind]domain.MessageType{
	EventJoin:   domain.MessageTypeUserJoined,
	EventCursor: domain.MessageTypeCursorUpdate,
	EventLeave:  domain.MessageTypeUserLeave,
}

// Event is one outbound fan-out. Data is the encoded frame; Origin and
// UserID identify the sender so it never receives its own event.
type Event struct {
	Kind    EventKind       `json:"kind"`
	Origin  string          `json:"origin"`
	BoardID string          `json:"boardId,omitempty"`
	UserID  string          `json:"userId"`
	Data    json.RawMessage `json:"data"`
}

// ConnectionSet is the view of local connections the router delivers to
type ConnectionSet interface {
	All() []*Client
	OnBoard(boardID string) []*Client
}

// Relay carries events to gateways on other instances. Publish must not block.
type Relay interface {
	Publish(ev Event)
}

// Router decides who receives each event and delivers it
type Router struct {
	registry presence.Registry
	conns    ConnectionSet
	relay    Relay
	metrics  metrics.Recorder
	logger   *slog.Logger
}

// NewRouter creates a Router over conns
func NewRouter(registry presence.Registry, conns ConnectionSet) *Router {
	return &Router{
		registry: registry,
		conns:    conns,
		metrics:  metrics.Nop{},
		logger:   logger.Discard(),
	}
}

// SetRelay enables cross-instance delivery
func (r *Router) SetRelay(relay Relay) {
	r.relay = relay
}

// Route delivers ev locally and forwards it to the relay, if any.
// It returns the number of local recipients.
func (r *Router) Route(ev Event) int {
	n := r.DeliverLocal(ev)
	if r.relay != nil {
		r.relay.Publish(ev)
	}
	return n
}

// DeliverLocal fans ev out to this instance's connections only:
// cursor events to the same board, join and leave to everyone.
func (r *Router) DeliverLocal(ev Event) int {
	var candidates []*Client
	switch ev.Kind {
	case EventCursor:
		if ev.BoardID == "" {
			return 0
		}
		candidates = r.conns.OnBoard(ev.BoardID)
	case EventJoin, EventLeave:
		candidates = r.conns.All()
	default:
		r.logger.Warn("unroutable event", "kind", ev.Kind)
		return 0
	}

	msgType := string(eventMessageTypes[ev.Kind])
	n := 0
	for _, c := range candidates {
		if c.Key == ev.Origin {
			continue
		}
		if ev.UserID != "" && c.UserID() == ev.UserID {
			continue
		}
		if c.Send(ev.Data) {
			r.metrics.MessageSent(msgType)
			n++
		}
	}
	r.metrics.Fanout(n)
	return n
}

// SendSync sends c the snapshot of every other present user
func (r *Router) SendSync(ctx context.Context, c *Client) error {
	entries, err := r.registry.Snapshot(ctx, c.Key)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	data, err := domain.Encode(domain.MessageTypeOthersPresent, presence.Users(entries))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if c.Send(data) {
		r.metrics.MessageSent(string(domain.MessageTypeOthersPresent))
	}
	return nil
}
