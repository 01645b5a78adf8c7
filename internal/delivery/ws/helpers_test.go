package ws

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/mmuslimabdulj/board-presence/internal/auth"
	"github.com/mmuslimabdulj/board-presence/internal/domain"
	"github.com/mmuslimabdulj/board-presence/internal/presence"
)

func newTestGateway() (*Gateway, *presence.MemoryRegistry) {
	reg := presence.NewMemoryRegistry()
	return NewGateway(reg, DefaultSettings()), reg
}

// newMockClient creates a registered client without a websocket connection
func newMockClient(g *Gateway, pinned *auth.Identity) *Client {
	c := NewClient(g, nil, pinned)
	g.Register(c)
	return c
}

func frame(t *testing.T, mt domain.MessageType, payload any) []byte {
	t.Helper()
	data, err := domain.Encode(mt, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", mt, err)
	}
	return data
}

func join(t *testing.T, g *Gateway, c *Client, id, name, board string) {
	t.Helper()
	g.HandleMessage(c, frame(t, domain.MessageTypeJoin, domain.JoinPayload{ID: id, Name: name, BoardID: board}))
}

func move(t *testing.T, g *Gateway, c *Client, id string, x, y float64, board string) {
	t.Helper()
	g.HandleMessage(c, frame(t, domain.MessageTypeCursorMove, domain.CursorPayload{
		ID:      id,
		Cursor:  domain.Cursor{X: x, Y: y},
		BoardID: board,
	}))
}

func recv(t *testing.T, c *Client) domain.Envelope {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		env, err := domain.Decode(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return domain.Envelope{}
}

// recvType skips messages until one of type mt arrives
func recvType(t *testing.T, c *Client, mt domain.MessageType) domain.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				t.Fatalf("send channel closed waiting for %s", mt)
			}
			env, err := domain.Decode(data)
			if err != nil {
				t.Fatalf("decode %s: %v", data, err)
			}
			if env.Type == mt {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", mt)
			return domain.Envelope{}
		}
	}
}

func expectNone(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if ok {
			t.Fatalf("unexpected message: %s", data)
		}
	default:
	}
}

func drain(c *Client) {
	for {
		select {
		case _, ok := <-c.send:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func unmarshal[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", raw, err)
	}
	return v
}
