package ws

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
	"github.com/mmuslimabdulj/board-presence/internal/presence"
)

// startInstance builds a gateway sharing mr's registry and relay channel
func startInstance(t *testing.T, ctx context.Context, mr *miniredis.Miniredis, name string) *Gateway {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	g := NewGateway(presence.NewRedisRegistry(client, "test"), DefaultSettings())
	relay := NewRedisRelay(client, "presence:events", name)
	g.SetRelay(relay)

	go relay.Run(ctx, g.Router())

	select {
	case <-relay.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("relay %s did not subscribe", name)
	}
	return g
}

func TestRedisRelay_CrossInstanceDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ga := startInstance(t, ctx, mr, "a")
	gb := startInstance(t, ctx, mr, "b")

	c1 := newMockClient(ga, nil)
	c2 := newMockClient(gb, nil)

	join(t, ga, c1, "u1", "Alice", "board-A")
	join(t, gb, c2, "u2", "Bob", "board-A")

	// Shared registry: c2's snapshot already includes the user on instance a
	env := recvType(t, c2, domain.MessageTypeOthersPresent)
	others := unmarshal[[]domain.User](t, env.Payload)
	if len(others) != 1 || others[0].ID != "u1" {
		t.Fatalf("snapshot = %+v, want [u1]", others)
	}

	env = recvType(t, c1, domain.MessageTypeUserJoined)
	if u := unmarshal[domain.User](t, env.Payload); u.ID != "u2" {
		t.Errorf("relayed join = %q, want u2", u.ID)
	}

	move(t, ga, c1, "u1", 10, 20, "board-A")
	env = recvType(t, c2, domain.MessageTypeCursorUpdate)
	p := unmarshal[domain.CursorPayload](t, env.Payload)
	if p.ID != "u1" || p.Cursor != (domain.Cursor{X: 10, Y: 20}) {
		t.Errorf("relayed cursor = %+v", p)
	}

	ga.Unregister(c1)
	env = recvType(t, c2, domain.MessageTypeUserLeave)
	if l := unmarshal[domain.LeavePayload](t, env.Payload); l.ID != "u1" {
		t.Errorf("relayed leave = %q, want u1", l.ID)
	}
}

func TestRedisRelay_IgnoresOwnFrames(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := startInstance(t, ctx, mr, "solo")
	c1 := newMockClient(g, nil)
	c2 := newMockClient(g, nil)
	join(t, g, c1, "u1", "Alice", "board-A")
	join(t, g, c2, "u2", "Bob", "board-A")
	drain(c1)
	drain(c2)

	move(t, g, c1, "u1", 1, 1, "board-A")
	recvType(t, c2, domain.MessageTypeCursorUpdate)

	// The echo from Redis must not produce a second delivery
	time.Sleep(100 * time.Millisecond)
	expectNone(t, c2)
}

func TestRedisRelay_FlushesQueueOnStop(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sub := client.Subscribe(context.Background(), "presence:events")
	t.Cleanup(func() { sub.Close() })
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	relay := NewRedisRelay(client, "presence:events", "a")
	stopped := make(chan error, 1)
	local := NewGateway(presence.NewMemoryRegistry(), DefaultSettings()).Router()
	go func() { stopped <- relay.Run(ctx, local) }()
	<-relay.Ready()

	const leaves = 20
	for i := 0; i < leaves; i++ {
		relay.Publish(Event{Kind: EventLeave, UserID: "u1"})
	}
	cancel()

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}

	messages := sub.Channel()
	for i := 0; i < leaves; i++ {
		select {
		case <-messages:
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d queued events", i, leaves)
		}
	}
}

func TestGateway_HeartbeatOutlivesStoppedInstance(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ga := startInstance(t, ctx, mr, "a")
	gb := startInstance(t, ctx, mr, "b")
	c1 := newMockClient(ga, nil)
	c2 := newMockClient(gb, nil)
	join(t, ga, c1, "u1", "Alice", "board-A")
	join(t, gb, c2, "u2", "Bob", "board-A")
	ga.ResyncOnce(ctx)
	gb.ResyncOnce(ctx)
	drain(c1)
	drain(c2)

	// Instance b stops refreshing without running its unregister path
	for i := 0; i < 4; i++ {
		mr.FastForward(domain.RegistryEntryTTL / 3)
		ga.HeartbeatOnce()
	}

	if n := ga.ResyncOnce(ctx); n != 1 {
		t.Fatalf("instance a resynced %d connections, want 1", n)
	}
	env := recvType(t, c1, domain.MessageTypeOthersPresent)
	if others := unmarshal[[]domain.User](t, env.Payload); len(others) != 0 {
		t.Errorf("expired user still present: %+v", others)
	}

	// b sees the prune too, and u1 is still alive
	if n := gb.ResyncOnce(ctx); n != 1 {
		t.Fatalf("instance b resynced %d connections, want 1", n)
	}
	env = recvType(t, c2, domain.MessageTypeOthersPresent)
	if others := unmarshal[[]domain.User](t, env.Payload); len(others) != 1 || others[0].ID != "u1" {
		t.Errorf("snapshot = %+v, want [u1]", others)
	}
}
