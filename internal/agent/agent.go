// Package agent is the client side of presence: it tracks the local
// pointer, throttles what it sends and keeps the view of other users.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
	"github.com/mmuslimabdulj/board-presence/internal/logger"
)

var ErrNotConnected = errors.New("not connected")

// Sender delivers one encoded frame to the gateway
type Sender interface {
	Send(data []byte) error
}

// Agent holds the local presence state for one client
type Agent struct {
	mu       sync.Mutex
	self     domain.User
	others   map[string]domain.User
	board    string
	sender   Sender
	throttle *Throttle
	logger   *slog.Logger

	sent       atomic.Uint64
	suppressed atomic.Uint64
}

// New creates an agent for self. The color is always derived from the id.
func New(self domain.User, clk clock.Clock) *Agent {
	self.Color = domain.ColorFor(self.ID)
	self.Cursor = nil
	self.BoardID = ""

	return &Agent{
		self:     self,
		others:   make(map[string]domain.User),
		throttle: NewThrottle(clk, domain.CursorThrottleWindow),
		logger:   logger.Discard(),
	}
}

// SetLogger replaces the discard logger
func (a *Agent) SetLogger(l *slog.Logger) {
	a.logger = l
}

// Normalize converts a viewport position to percentages
func Normalize(clientX, clientY, width, height float64) (domain.Cursor, bool) {
	if width <= 0 || height <= 0 {
		return domain.Cursor{}, false
	}
	return domain.Cursor{
		X: clientX / width * 100,
		Y: clientY / height * 100,
	}, true
}

// PointerMove records a raw pointer position. The self cursor is always
// updated; a cursor-move is sent only with an active board, an attached
// sender and the throttle's permission. It reports whether one was sent.
func (a *Agent) PointerMove(clientX, clientY, width, height float64) bool {
	cursor, ok := Normalize(clientX, clientY, width, height)
	if !ok {
		return false
	}

	a.mu.Lock()
	a.self.Cursor = &cursor
	sender, board := a.sender, a.board
	a.mu.Unlock()

	if board == "" || sender == nil {
		return false
	}
	if !a.throttle.Allow() {
		a.suppressed.Add(1)
		return false
	}
	return a.sendCursor(sender, cursor, board)
}

// SetActiveBoard switches the local board. When the pointer position is
// known it is re-sent at once so the gateway moves this client to the new
// board without waiting for the next movement. An empty boardID closes
// the board; the gateway then stops delivering that board's cursors.
func (a *Agent) SetActiveBoard(boardID string) {
	a.mu.Lock()
	if a.board == boardID {
		a.mu.Unlock()
		return
	}
	a.board = boardID
	a.self.BoardID = boardID
	sender := a.sender
	var cursor *domain.Cursor
	if a.self.Cursor != nil {
		c := *a.self.Cursor
		cursor = &c
	}
	a.mu.Unlock()

	if sender != nil && cursor != nil {
		a.sendCursor(sender, *cursor, boardID)
	}
}

// ActiveBoard returns the local board
func (a *Agent) ActiveBoard() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.board
}

func (a *Agent) sendCursor(sender Sender, cursor domain.Cursor, boardID string) bool {
	data, err := domain.Encode(domain.MessageTypeCursorMove, domain.CursorPayload{
		ID:      a.self.ID,
		Cursor:  cursor,
		BoardID: boardID,
	})
	if err != nil {
		return false
	}
	if err := sender.Send(data); err != nil {
		// Position data is stale after any delay; nothing is retried
		a.logger.Debug("cursor-move not sent", "error", err)
		return false
	}
	a.sent.Add(1)
	return true
}

// JoinMessage encodes the join frame for the current identity and board
func (a *Agent) JoinMessage() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return domain.Encode(domain.MessageTypeJoin, domain.JoinPayload{
		ID:        a.self.ID,
		Email:     a.self.Email,
		Name:      a.self.Name,
		AvatarURL: a.self.AvatarURL,
		Color:     a.self.Color,
		BoardID:   a.board,
	})
}

// Attach connects the agent to a transport and announces it
func (a *Agent) Attach(s Sender) error {
	data, err := a.JoinMessage()
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.sender = s
	a.mu.Unlock()
	a.throttle.Reset()

	return s.Send(data)
}

// Detach drops the transport. Others are kept until the next snapshot
// replaces them.
func (a *Agent) Detach() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sender = nil
}

// Handle applies one server frame to the local view
func (a *Agent) Handle(data []byte) error {
	env, err := domain.Decode(data)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	switch env.Type {
	case domain.MessageTypeOthersPresent:
		var users []domain.User
		if err := json.Unmarshal(env.Payload, &users); err != nil {
			return fmt.Errorf("others-present: %w", err)
		}
		a.others = make(map[string]domain.User, len(users))
		for _, u := range users {
			if u.ID == a.self.ID || u.ID == "" {
				continue
			}
			a.others[u.ID] = u
		}

	case domain.MessageTypeUserJoined:
		var u domain.User
		if err := json.Unmarshal(env.Payload, &u); err != nil {
			return fmt.Errorf("user-joined: %w", err)
		}
		if u.ID == a.self.ID || u.ID == "" {
			return nil
		}
		if prev, ok := a.others[u.ID]; ok && u.Cursor == nil {
			u.Cursor = prev.Cursor
			if u.BoardID == "" {
				u.BoardID = prev.BoardID
			}
		}
		a.others[u.ID] = u

	case domain.MessageTypeCursorUpdate:
		var p domain.CursorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("cursor-update: %w", err)
		}
		u, ok := a.others[p.ID]
		if !ok || p.ID == a.self.ID {
			return nil
		}
		c := p.Cursor
		u.Cursor = &c
		u.BoardID = p.BoardID
		a.others[p.ID] = u

	case domain.MessageTypeUserLeave:
		var p domain.LeavePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("user-leave: %w", err)
		}
		delete(a.others, p.ID)

	default:
		return fmt.Errorf("unknown message type %q", env.Type)
	}
	return nil
}

// Self returns the local user
func (a *Agent) Self() domain.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self.Clone()
}

// Others returns every known remote user, sorted by id
func (a *Agent) Others() []domain.User {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.filterLocked(func(domain.User) bool { return true })
}

// Visible returns what should be drawn: self first, then remote users
// with a cursor on the active board.
func (a *Agent) Visible() []domain.User {
	a.mu.Lock()
	defer a.mu.Unlock()

	board := a.board
	out := []domain.User{a.self.Clone()}
	return append(out, a.filterLocked(func(u domain.User) bool {
		return board != "" && u.Cursor != nil && u.BoardID == board
	})...)
}

// Stats returns how many cursor-moves were sent and how many the throttle suppressed
func (a *Agent) Stats() (sent, suppressed uint64) {
	return a.sent.Load(), a.suppressed.Load()
}

func (a *Agent) filterLocked(keep func(domain.User) bool) []domain.User {
	out := make([]domain.User, 0, len(a.others))
	for _, u := range a.others {
		if keep(u) {
			out = append(out, u.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
