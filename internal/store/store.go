// Package store provides the shared state behind the broker: per-cluster FIFO queues and a
// TTL-bounded key/value space. Components receive a Backend from the composition root; no
// package holds a global handle.
package store

import (
	"context"
	"strings"
	"time"
)

// QueueBackend is an ordered list of opaque values per key. All operations are atomic with
// respect to concurrent callers on the same key.
type QueueBackend interface {
	// PushTail appends value. When maxLen > 0 and the list already holds maxLen entries the
	// push fails with ErrQueueFull and the list is unchanged.
	PushTail(ctx context.Context, key string, value []byte, maxLen int) error
	// PushHead prepends value, bypassing the length bound. Used for redelivery.
	PushHead(ctx context.Context, key string, value []byte) error
	// PopHead removes and returns the first value. Exactly one caller receives each value.
	PopHead(ctx context.Context, key string) ([]byte, bool, error)
	// PopHeadIf removes and returns the first value only when match reports true for it.
	// The head is left in place otherwise.
	PopHeadIf(ctx context.Context, key string, match func([]byte) bool) ([]byte, bool, error)
	// Len returns the current list length.
	Len(ctx context.Context, key string) (int, error)
}

// KVBackend is a key/value space with optional per-entry expiry. A ttl of zero means the
// entry never expires. Expired entries behave as absent.
type KVBackend interface {
	// SetNX stores value only if key is absent (or expired) and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	// Scan returns every live entry whose key starts with prefix.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
}

// Backend is the full store surface handed to broker components.
type Backend interface {
	QueueBackend
	KVBackend
	Ping(ctx context.Context) error
	Close() error
}

// Key namespaces. Every component builds its keys through these helpers so two components
// never collide.
const (
	prefixQueue        = "queue:"
	prefixSession      = "session:"
	prefixResult       = "result:"
	prefixCommandState = "cmdstate:"
	prefixToken        = "token:"
	prefixHeartbeat    = "heartbeat:"
	prefixCapabilities = "caps:"
)

func QueueKey(clusterID string) string        { return prefixQueue + clusterID }
func SessionKey(id string) string             { return prefixSession + id }
func ResultKey(commandID string) string       { return prefixResult + commandID }
func CommandStateKey(commandID string) string { return prefixCommandState + commandID }
func TokenKey(clusterID string) string        { return prefixToken + clusterID }
func HeartbeatKey(clusterID string) string    { return prefixHeartbeat + clusterID }
func CapabilitiesKey(clusterID string) string { return prefixCapabilities + clusterID }

// TokenPrefix, HeartbeatPrefix and CapabilitiesPrefix are used with Scan.
const (
	TokenPrefix        = prefixToken
	HeartbeatPrefix    = prefixHeartbeat
	CapabilitiesPrefix = prefixCapabilities
)

// TrimPrefix strips a namespace prefix from a scanned key.
func TrimPrefix(key, prefix string) string {
	return strings.TrimPrefix(key, prefix)
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
