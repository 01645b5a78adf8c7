package agent

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []domain.Envelope
	err    error
}

func (f *fakeSender) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	env, err := domain.Decode(data)
	if err != nil {
		return err
	}
	f.frames = append(f.frames, env)
	return nil
}

func (f *fakeSender) ofType(mt domain.MessageType) []domain.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Envelope
	for _, env := range f.frames {
		if env.Type == mt {
			out = append(out, env)
		}
	}
	return out
}

func encode(t *testing.T, mt domain.MessageType, payload any) []byte {
	t.Helper()
	data, err := domain.Encode(mt, payload)
	require.NoError(t, err)
	return data
}

func newTestAgent(t *testing.T) (*Agent, *fakeSender, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	a := New(domain.User{ID: "u1", Name: "Alice", Color: "#000000"}, mock)
	s := &fakeSender{}
	require.NoError(t, a.Attach(s))
	return a, s, mock
}

func TestNormalize(t *testing.T) {
	c, ok := Normalize(480, 270, 1920, 1080)
	assert.True(t, ok)
	assert.Equal(t, domain.Cursor{X: 25, Y: 25}, c)

	_, ok = Normalize(10, 10, 0, 1080)
	assert.False(t, ok)
}

func TestAgent_ColorDerivedFromID(t *testing.T) {
	a, _, _ := newTestAgent(t)
	assert.Equal(t, domain.ColorFor("u1"), a.Self().Color)
}

func TestAgent_AttachSendsJoin(t *testing.T) {
	a, s, _ := newTestAgent(t)

	joins := s.ofType(domain.MessageTypeJoin)
	require.Len(t, joins, 1)

	var p domain.JoinPayload
	require.NoError(t, json.Unmarshal(joins[0].Payload, &p))
	assert.Equal(t, "u1", p.ID)
	assert.Equal(t, "Alice", p.Name)
	assert.Equal(t, a.Self().Color, p.Color)
}

func TestAgent_HundredMovesInWindowSendOnce(t *testing.T) {
	a, s, mock := newTestAgent(t)
	a.SetActiveBoard("board-A")

	for i := 0; i < 100; i++ {
		a.PointerMove(float64(i), 10, 1000, 1000)
		mock.Add(400_000) // 0.4ms
	}

	assert.Len(t, s.ofType(domain.MessageTypeCursorMove), 1)
	sent, suppressed := a.Stats()
	assert.Equal(t, uint64(1), sent)
	assert.Equal(t, uint64(99), suppressed)

	// Self cursor tracks the last position even when nothing was sent
	require.NotNil(t, a.Self().Cursor)
	assert.InDelta(t, 9.9, a.Self().Cursor.X, 1e-9)
}

func TestAgent_NoBoardNoSend(t *testing.T) {
	a, s, _ := newTestAgent(t)

	assert.False(t, a.PointerMove(100, 100, 1000, 1000))
	assert.Empty(t, s.ofType(domain.MessageTypeCursorMove))
	assert.NotNil(t, a.Self().Cursor)
}

func TestAgent_DetachedNoBacklog(t *testing.T) {
	a, s, mock := newTestAgent(t)
	a.SetActiveBoard("board-A")
	a.Detach()

	for i := 0; i < 5; i++ {
		assert.False(t, a.PointerMove(10, 10, 100, 100))
		mock.Add(100_000_000) // 100ms
	}
	assert.Empty(t, s.ofType(domain.MessageTypeCursorMove))

	// Reattaching sends a join, not the missed moves
	s2 := &fakeSender{}
	require.NoError(t, a.Attach(s2))
	assert.Len(t, s2.ofType(domain.MessageTypeJoin), 1)
	assert.Empty(t, s2.ofType(domain.MessageTypeCursorMove))
}

func TestAgent_SendErrorSuppressed(t *testing.T) {
	a, s, _ := newTestAgent(t)
	a.SetActiveBoard("board-A")
	s.err = errors.New("broken pipe")

	assert.False(t, a.PointerMove(1, 1, 10, 10))
}

func TestAgent_BoardSwitchResendsCursor(t *testing.T) {
	a, s, _ := newTestAgent(t)
	a.SetActiveBoard("board-A")
	a.PointerMove(50, 50, 100, 100)

	a.SetActiveBoard("board-B")

	moves := s.ofType(domain.MessageTypeCursorMove)
	require.Len(t, moves, 2)
	var p domain.CursorPayload
	require.NoError(t, json.Unmarshal(moves[1].Payload, &p))
	assert.Equal(t, "board-B", p.BoardID)
	assert.Equal(t, domain.Cursor{X: 50, Y: 50}, p.Cursor)

	// Same board again is a no-op
	a.SetActiveBoard("board-B")
	assert.Len(t, s.ofType(domain.MessageTypeCursorMove), 2)
}

func TestAgent_ClosingBoardTellsGateway(t *testing.T) {
	a, s, _ := newTestAgent(t)
	a.SetActiveBoard("board-A")
	a.PointerMove(20, 30, 100, 100)

	a.SetActiveBoard("")

	moves := s.ofType(domain.MessageTypeCursorMove)
	require.Len(t, moves, 2)
	var p domain.CursorPayload
	require.NoError(t, json.Unmarshal(moves[1].Payload, &p))
	assert.Empty(t, p.BoardID)
	assert.Equal(t, domain.Cursor{X: 20, Y: 30}, p.Cursor)

	// No board open: movement stays local
	assert.False(t, a.PointerMove(40, 40, 100, 100))
	assert.Len(t, s.ofType(domain.MessageTypeCursorMove), 2)
}

func TestAgent_HandleOthersPresentExcludesSelf(t *testing.T) {
	a, _, _ := newTestAgent(t)

	require.NoError(t, a.Handle(encode(t, domain.MessageTypeOthersPresent, []domain.User{
		{ID: "u1", Name: "Alice"},
		{ID: "u2", Name: "Bob"},
		{ID: "u3", Name: "Cara"},
	})))

	others := a.Others()
	require.Len(t, others, 2)
	assert.Equal(t, "u2", others[0].ID)
	assert.Equal(t, "u3", others[1].ID)
}

func TestAgent_HandleJoinCursorLeave(t *testing.T) {
	a, _, _ := newTestAgent(t)
	a.SetActiveBoard("board-A")

	// Cursor for an unknown user is ignored
	require.NoError(t, a.Handle(encode(t, domain.MessageTypeCursorUpdate,
		domain.CursorPayload{ID: "u2", Cursor: domain.Cursor{X: 1, Y: 1}, BoardID: "board-A"})))
	assert.Empty(t, a.Others())

	require.NoError(t, a.Handle(encode(t, domain.MessageTypeUserJoined, domain.User{ID: "u2", Name: "Bob"})))
	require.NoError(t, a.Handle(encode(t, domain.MessageTypeUserJoined, domain.User{ID: "u1", Name: "Alice"})))
	assert.Len(t, a.Others(), 1, "self is never added")

	// Known but without a cursor: not drawn yet
	assert.Len(t, a.Visible(), 1)

	require.NoError(t, a.Handle(encode(t, domain.MessageTypeCursorUpdate,
		domain.CursorPayload{ID: "u2", Cursor: domain.Cursor{X: 10, Y: 20}, BoardID: "board-A"})))
	visible := a.Visible()
	require.Len(t, visible, 2)
	assert.Equal(t, "u1", visible[0].ID)
	assert.Equal(t, "u2", visible[1].ID)
	assert.Equal(t, &domain.Cursor{X: 10, Y: 20}, visible[1].Cursor)

	// A repeated join keeps the known cursor
	require.NoError(t, a.Handle(encode(t, domain.MessageTypeUserJoined, domain.User{ID: "u2", Name: "Bobby"})))
	assert.Len(t, a.Visible(), 2)

	require.NoError(t, a.Handle(encode(t, domain.MessageTypeUserLeave, domain.LeavePayload{ID: "u2"})))
	assert.Empty(t, a.Others())
	assert.Len(t, a.Visible(), 1)
}

func TestAgent_VisibleFiltersBoard(t *testing.T) {
	a, _, _ := newTestAgent(t)
	require.NoError(t, a.Handle(encode(t, domain.MessageTypeOthersPresent, []domain.User{
		{ID: "u2", Cursor: &domain.Cursor{X: 1, Y: 1}, BoardID: "board-A"},
		{ID: "u3", Cursor: &domain.Cursor{X: 2, Y: 2}, BoardID: "board-B"},
	})))

	assert.Len(t, a.Visible(), 1, "no active board shows only self")

	a.SetActiveBoard("board-B")
	visible := a.Visible()
	require.Len(t, visible, 2)
	assert.Equal(t, "u3", visible[1].ID)

	// Remote cursor for self never renders
	require.NoError(t, a.Handle(encode(t, domain.MessageTypeCursorUpdate,
		domain.CursorPayload{ID: "u1", Cursor: domain.Cursor{X: 9, Y: 9}, BoardID: "board-B"})))
	assert.Len(t, a.Visible(), 2)
	assert.Nil(t, a.Self().Cursor)
}

func TestAgent_HandleErrors(t *testing.T) {
	a, _, _ := newTestAgent(t)

	assert.Error(t, a.Handle([]byte("nope")))
	assert.Error(t, a.Handle([]byte(`{"type":"music","payload":{}}`)))
	assert.Error(t, a.Handle([]byte(`{"type":"others-present","payload":{}}`)))
}
