package domain

import "time"

// ==== WebSocket Constants ====

// MaxMessageSize is the maximum allowed WebSocket message size in bytes
const MaxMessageSize = 4096

// SendBufferSize is the default outbound queue length per connection
const SendBufferSize = 256

// ==== Presence Constants ====

const (
	// CursorThrottleWindow is the agent's send window (20 Hz)
	CursorThrottleWindow = 50 * time.Millisecond

	// MaxBoardIDLength bounds the opaque board key
	MaxBoardIDLength = 200

	// GuestIDPrefix marks ids generated by agents without an identity provider session
	GuestIDPrefix = "guest-"

	// CursorMin and CursorMax bound normalized coordinates
	CursorMin = 0.0
	CursorMax = 100.0
)

// ==== Timing Constants ====

const (
	// PongWait is how long a silent peer is tolerated before it is considered gone
	PongWait = 60 * time.Second

	// ResyncInterval is how often dirty registries trigger a snapshot resend
	ResyncInterval = 5 * time.Second

	// RegistryEntryTTL is how long a shared registry entry outlives its last
	// refresh. Instances refresh their entries at a third of it.
	RegistryEntryTTL = 60 * time.Second
)

// ==== Rate Limit Constants ====

const (
	// DefaultRateLimitWS is the default rate limit for WebSocket upgrades (req/sec per IP)
	DefaultRateLimitWS = 5

	// DefaultCursorRateLimit caps inbound cursor-move per connection (msg/sec)
	DefaultCursorRateLimit = 30
)
