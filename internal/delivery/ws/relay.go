package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmuslimabdulj/board-presence/internal/logger"
)

const (
	relayQueueSize = 1024
	// relayDrainTimeout bounds publishing what is still queued at stop
	relayDrainTimeout = 2 * time.Second
)

// LocalDeliverer is the receiving side of a relay
type LocalDeliverer interface {
	DeliverLocal(ev Event) int
}

type relayFrame struct {
	Instance string `json:"instance"`
	Event
}

// RedisRelay fans events out to every instance subscribed to one channel.
// Events are published by a single goroutine so a connection's cursor
// moves keep their order across instances.
type RedisRelay struct {
	client   *redis.Client
	channel  string
	instance string
	queue    chan Event
	ready    chan struct{}
	logger   *slog.Logger
}

// NewRedisRelay creates a relay; instance must be unique per process
func NewRedisRelay(client *redis.Client, channel, instance string) *RedisRelay {
	return &RedisRelay{
		client:   client,
		channel:  channel,
		instance: instance,
		queue:    make(chan Event, relayQueueSize),
		ready:    make(chan struct{}),
		logger:   logger.Discard(),
	}
}

// SetLogger replaces the discard logger
func (r *RedisRelay) SetLogger(l *slog.Logger) {
	r.logger = l
}

// Ready is closed once the subscription is confirmed
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Publish implements Relay. A full queue drops the event.
func (r *RedisRelay) Publish(ev Event) {
	select {
	case r.queue <- ev:
	default:
		r.logger.Warn("relay queue full, event dropped", "kind", ev.Kind, "user", ev.UserID)
	}
}

// Run subscribes to the channel, delivers foreign events to local and
// publishes queued events until ctx is done. Events still queued then
// are flushed before Run returns, so leaves produced during shutdown
// reach the other instances.
func (r *RedisRelay) Run(ctx context.Context, local LocalDeliverer) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	close(r.ready)
	r.logger.Info("relay subscribed", "channel", r.channel, "instance", r.instance)

	published := make(chan struct{})
	go func() {
		defer close(published)
		r.publishLoop(ctx)
	}()
	defer func() { <-published }()

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.deliver(local, msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(local LocalDeliverer, payload string) {
	var frame relayFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		r.logger.Warn("relay frame malformed", "error", err)
		return
	}
	if frame.Instance == r.instance {
		return
	}
	local.DeliverLocal(frame.Event)
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case ev := <-r.queue:
			r.publish(ctx, ev)
		}
	}
}

func (r *RedisRelay) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), relayDrainTimeout)
	defer cancel()

	flushed := 0
	for {
		select {
		case ev := <-r.queue:
			r.publish(ctx, ev)
			flushed++
		default:
			if flushed > 0 {
				r.logger.Info("relay queue flushed", "events", flushed)
			}
			return
		}
	}
}

func (r *RedisRelay) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(relayFrame{Instance: r.instance, Event: ev})
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Warn("relay publish failed", "kind", ev.Kind, "error", err)
	}
}
