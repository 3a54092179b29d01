// Package handler routes inbound client messages to callbacks by type.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"notifyhub/pkg/logx"
)

// Message is one inbound frame after envelope parsing.
type Message struct {
	Type         string
	Payload      json.RawMessage
	UserID       string
	ConnectionID string
}

type Func func(ctx context.Context, msg Message) error

// Registry maps message types to handlers. Registering a type twice replaces
// the earlier handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
	log      logx.Logger
}

func New(log logx.Logger) *Registry {
	return &Registry{handlers: map[string]Func{}, log: log.With(logx.String("comp", "handler"))}
}

func (r *Registry) Register(messageType string, fn Func) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	_, replaced := r.handlers[messageType]
	r.handlers[messageType] = fn
	r.mu.Unlock()
	if replaced {
		r.log.Debug("handler replaced", logx.String("type", messageType))
	}
}

func (r *Registry) Unregister(messageType string) {
	r.mu.Lock()
	delete(r.handlers, messageType)
	r.mu.Unlock()
}

// Dispatch runs the handler for msg.Type. Unknown types are ignored (false,
// nil). A panicking handler is converted to an error so one bad message
// cannot take its connection down.
func (r *Registry) Dispatch(ctx context.Context, msg Message) (handled bool, err error) {
	r.mu.RLock()
	fn, ok := r.handlers[msg.Type]
	r.mu.RUnlock()
	if !ok {
		r.log.Debug("no handler for message type", logx.String("type", msg.Type), logx.String("user", msg.UserID))
		return false, nil
	}

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("handler panicked", logx.String("type", msg.Type), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("handler %q panicked: %v", msg.Type, p)
		}
	}()
	return true, fn(ctx, msg)
}

// Types lists registered message types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
