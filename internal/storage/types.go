package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Store is the shared key/value API. A zero TTL means the key never expires.
// Expired keys behave exactly like absent ones.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetMany writes every entry or none.
	SetMany(ctx context.Context, entries []Entry) error
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// DeleteIfValue deletes key only while it still holds value.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
	// DeleteIfOwnerDead deletes key only while it still holds owner and
	// ownerKey is absent, checked and applied as one step.
	DeleteIfOwnerDead(ctx context.Context, key, owner, ownerKey string) (bool, error)
	// Keys lists live keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// SlideWindow prunes hits older than window, then records a hit at now
	// if fewer than limit remain. The whole step is atomic per key.
	SlideWindow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error)
	Ping(ctx context.Context) error
	Close() error
}

type Entry struct {
	Key   string
	Value string
	TTL   time.Duration
}

// Window is the outcome of one SlideWindow step.
type Window struct {
	Allowed bool
	// Count is the number of hits in the window after the step.
	Count int
}

// Config configures storage.
//
// Driver values: "memory" (default), "redis", "sqlite".
type Config struct {
	Driver string

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	// KeyPrefix namespaces every redis key (e.g. "notifyhub:").
	KeyPrefix string

	SQLitePath  string
	BusyTimeout time.Duration
}
