// Package metrics exposes Prometheus counters for presence traffic.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the gateway and router report to
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	UserIdentified()
	UserDeparted()
	MessageReceived(msgType string)
	MessageDropped(reason string)
	MessageSent(msgType string)
	SendBufferFull()
	Fanout(recipients int)
}

// Drop reasons
const (
	DropMalformed    = "malformed"
	DropUnknownType  = "unknown_type"
	DropUnidentified = "unidentified"
	DropIdentity     = "identity"
	DropInvalid      = "invalid"
	DropRateLimited  = "rate_limited"
	DropRegistry     = "registry"
)

// Collector is the Prometheus-backed Recorder
type Collector struct {
	connections prometheus.Gauge
	identified  prometheus.Gauge
	received    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	sent        *prometheus.CounterVec
	bufferFull  prometheus.Counter
	fanout      prometheus.Histogram
}

// NewCollector creates a Collector and registers it with reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presence_connections",
			Help: "Open websocket connections on this instance",
		}),
		identified: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "presence_identified_users",
			Help: "Connections that completed a join on this instance",
		}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_messages_received_total",
			Help: "Inbound presence messages by type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_messages_dropped_total",
			Help: "Inbound presence messages dropped by reason",
		}, []string{"reason"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "presence_messages_sent_total",
			Help: "Outbound presence messages queued by type",
		}, []string{"type"}),
		bufferFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "presence_send_buffer_full_total",
			Help: "Outbound messages discarded because a connection's queue was full",
		}),
		fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "presence_fanout_recipients",
			Help:    "Recipients per routed event",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
	}

	reg.MustRegister(
		c.connections,
		c.identified,
		c.received,
		c.dropped,
		c.sent,
		c.bufferFull,
		c.fanout,
	)

	return c
}

func (c *Collector) ConnectionOpened() { c.connections.Inc() }
func (c *Collector) ConnectionClosed() { c.connections.Dec() }
func (c *Collector) UserIdentified()   { c.identified.Inc() }
func (c *Collector) UserDeparted()     { c.identified.Dec() }

// MessageReceived counts an inbound message
func (c *Collector) MessageReceived(msgType string) {
	c.received.WithLabelValues(msgType).Inc()
}

// MessageDropped counts an inbound message that was discarded
func (c *Collector) MessageDropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}

// MessageSent counts an outbound message handed to a connection
func (c *Collector) MessageSent(msgType string) {
	c.sent.WithLabelValues(msgType).Inc()
}

func (c *Collector) SendBufferFull() { c.bufferFull.Inc() }

// Fanout observes how many connections one event reached
func (c *Collector) Fanout(recipients int) {
	c.fanout.Observe(float64(recipients))
}

// Nop discards everything
type Nop struct{}

func (Nop) ConnectionOpened()      {}
func (Nop) ConnectionClosed()      {}
func (Nop) UserIdentified()        {}
func (Nop) UserDeparted()          {}
func (Nop) MessageReceived(string) {}
func (Nop) MessageDropped(string)  {}
func (Nop) MessageSent(string)     {}
func (Nop) SendBufferFull()        {}
func (Nop) Fanout(int)             {}

// Handler returns the scrape endpoint for gatherer
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
