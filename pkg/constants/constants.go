// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 60 * time.Second

	// WebSocketWriteTimeout bounds a single frame write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Matchmaking constants
const (
	// DefaultMatchCooldown is the minimum gap between accepted matchmaking
	// requests from the same identity
	DefaultMatchCooldown = 3 * time.Second

	// DefaultHeartbeatInterval is the expected client heartbeat cadence
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultStaleThreshold evicts connections whose heartbeat is older than
	// this. Kept at 3x the heartbeat interval to tolerate jitter.
	DefaultStaleThreshold = 30 * time.Second

	// QualityGoodThreshold and QualityPoorThreshold split connections into
	// quality tiers by heartbeat age
	QualityGoodThreshold = 15 * time.Second
	QualityPoorThreshold = 25 * time.Second
)

// Signaling constants
const (
	// DefaultICEBatchSize flushes an ICE candidate batch at this size
	DefaultICEBatchSize = 10

	// DefaultICEBatchDelay flushes an ICE candidate batch this long after the
	// first buffered candidate
	DefaultICEBatchDelay = 200 * time.Millisecond
)

// Call-related constants
const (
	// DefaultRingTimeout marks an unanswered 1:1 call as missed
	DefaultRingTimeout = 30 * time.Second

	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour

	// MaxCallRecipients bounds the invite list of a group call
	MaxCallRecipients = 32
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Presence constants
const (
	// PresenceTTL expires a connection's presence mirror if not refreshed
	PresenceTTL = 1 * time.Minute
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
