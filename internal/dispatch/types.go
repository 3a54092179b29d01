package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"notifyhub/internal/ratelimit"
	"notifyhub/internal/registry"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrDispatchTimeout   = errors.New("dispatch timed out")
	ErrBridgeStopped     = errors.New("dispatch bridge stopped")
)

// RateLimitError names the scope and type that were denied.
type RateLimitError struct {
	Scope string
	Type  string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (type %s)", e.Scope, e.Type)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimitExceeded }

// Built-in notification types. Any other string is sent as a custom type.
const (
	TypeInfo    = "info"
	TypeSuccess = "success"
	TypeWarning = "warning"
	TypeDanger  = "danger"
	TypeError   = "error"
)

const (
	ScopePerTarget = "per_target"
	ScopeGlobal    = "global"
)

// Envelope is the outbound wire frame.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

// TimestampLayout is RFC 3339 with nanoseconds, always UTC.
const TimestampLayout = time.RFC3339Nano

// Encode marshals an envelope for messageType and payload stamped at now.
// payload may already be JSON (json.RawMessage or []byte).
func Encode(messageType string, payload any, now time.Time) ([]byte, error) {
	raw, err := rawPayload(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:      messageType,
		Payload:   raw,
		Timestamp: now.UTC().Format(TimestampLayout),
	})
}

func rawPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}

// Result reports a multi-target send. Every distinct target lands in exactly
// one of Delivered, Denied or Offline.
type Result struct {
	Delivered map[string]int `json:"delivered"`
	Denied    []string       `json:"denied,omitempty"`
	Offline   []string       `json:"offline,omitempty"`
	Total     int            `json:"total"`
}

func newResult() Result { return Result{Delivered: map[string]int{}} }

// Connections is the registry view the dispatcher needs.
type Connections interface {
	ConnectionsForUser(userID string) []registry.Conn
	GroupMembers(groupID string) []string
	AllConnections(exclude map[string]struct{}) []registry.Conn
	UnregisterConn(id string, c registry.Conn) bool
	Stats() registry.Stats
}

// CountingLimiter is a Limiter that can report its counters.
type CountingLimiter interface {
	ratelimit.Limiter
	Counters() ratelimit.Counters
}

type Stats struct {
	Registry  registry.Stats     `json:"registry"`
	RateLimit ratelimit.Counters `json:"rate_limit"`
	Frames    uint64             `json:"frames_sent"`
	Dead      uint64             `json:"dead_connections"`
	Bridge    BridgeStats        `json:"bridge"`
}

// DeliveryEvent is published on the event bus after each send.
type DeliveryEvent struct {
	Target string `json:"target"`
	Type   string `json:"type"`
	Count  int    `json:"count"`
}

// Config controls target scope and the sync bridge.
type Config struct {
	// Scope is ScopePerTarget (default) or ScopeGlobal for multi-target calls.
	Scope string

	SyncWorkers int
	SyncQueue   int
	SyncTimeout time.Duration
}
