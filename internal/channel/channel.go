// Package channel delivers one-off notifications to external sinks (webhook,
// Slack, email, Telegram, redis pub/sub) behind a single request/response
// shape shared by the notifyhub-send CLI.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Request is one notification. Body is any JSON value; Meta carries
// sink-specific fields (url, channel, to, subject, chat_id).
type Request struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body"`
	Meta Meta            `json:"meta,omitempty"`
}

// Response is the normalized outcome. Timestamp is RFC 3339 UTC.
type Response struct {
	Success   bool    `json:"success"`
	Type      string  `json:"type"`
	Timestamp string  `json:"timestamp"`
	Error     string  `json:"error,omitempty"`
	Details   Details `json:"details,omitempty"`
}

type Details map[string]any

type Meta map[string]any

// String returns meta[key] as a non-empty string. Numbers are formatted.
func (m Meta) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		s = t.String()
	default:
		s = fmt.Sprint(t)
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// Sink delivers a request body to one external system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, body json.RawMessage, meta Meta) (Details, error)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func missingMeta(field string) error {
	return Permanent(fmt.Errorf("missing required meta field: %s", field))
}

// bodyText renders a body as plain text: JSON strings are unquoted, anything
// else is passed through as JSON.
func bodyText(body json.RawMessage) string {
	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return s
	}
	return string(body)
}
