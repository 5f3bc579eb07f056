package redis

import (
	"strings"
	"time"
)

// Key prefixes for the data the gateway keeps in Redis.
const (
	PrefixConnection = "connection" // connection records, one per live socket
	PrefixUser       = "user"       // user -> connection-id sets
	PrefixRateLimit  = "ratelimit"  // fixed-window rate counters
	PrefixEvents     = "events"     // bounded per-type event logs
)

// TTLs for gateway-owned keys.
const (
	TTLConnection = 24 * time.Hour // refreshed while the socket lives
	TTLRateLimit  = time.Minute    // default rate-limit window
)

// Key joins parts into a colon-separated Redis key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// ConnectionKey returns the record key for a connection id.
func ConnectionKey(connID string) string {
	return Key(PrefixConnection, connID)
}

// UserConnectionsKey returns the set key holding a user's connection ids.
func UserConnectionsKey(userID string) string {
	return Key(PrefixUser, userID, "connections")
}

// RateLimitKey returns the counter key for an identity and scope.
func RateLimitKey(identity, scope string) string {
	return Key(PrefixRateLimit, identity, scope)
}

// EventHistoryKey returns the list key holding recent events of a type.
func EventHistoryKey(eventType string) string {
	return Key(PrefixEvents, eventType)
}
