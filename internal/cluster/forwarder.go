// Package cluster forwards frames for clients owned by another instance over
// redis pub/sub. Every instance subscribes to <channel>:<serverID>.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"

	"notifyhub/pkg/logx"
)

var (
	// ErrNoSubscriber means the target instance was not listening.
	ErrNoSubscriber  = errors.New("no subscriber for forward channel")
	ErrUndeliverable = errors.New("client not connected anywhere")
)

const DefaultChannel = "ws_forward"

// Message is the pub/sub payload. Frame is an already encoded envelope.
type Message struct {
	ClientID string          `json:"client_id"`
	Frame    json.RawMessage `json:"frame"`
}

// DeliverFunc writes frame to a local connection.
type DeliverFunc func(ctx context.Context, clientID string, frame []byte) error

type Forwarder struct {
	client   redis.UniversalClient
	channel  string
	serverID string
	log      logx.Logger

	published atomic.Uint64
	received  atomic.Uint64
	failed    atomic.Uint64
}

type Stats struct {
	Published uint64 `json:"published"`
	Received  uint64 `json:"received"`
	Failed    uint64 `json:"failed"`
}

func NewForwarder(client redis.UniversalClient, channel, serverID string, log logx.Logger) *Forwarder {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Forwarder{
		client:   client,
		channel:  channel,
		serverID: serverID,
		log:      log.With(logx.String("comp", "cluster")),
	}
}

// Channel returns the pub/sub channel owned by serverID.
func (f *Forwarder) Channel(serverID string) string { return f.channel + ":" + serverID }

// Forward publishes frame for clientID to serverID's channel.
func (f *Forwarder) Forward(ctx context.Context, serverID, clientID string, frame []byte) error {
	b, err := json.Marshal(Message{ClientID: clientID, Frame: frame})
	if err != nil {
		return err
	}
	n, err := f.client.Publish(ctx, f.Channel(serverID), b).Result()
	if err != nil {
		f.failed.Add(1)
		return fmt.Errorf("publish to %s: %w", serverID, err)
	}
	if n == 0 {
		f.failed.Add(1)
		return fmt.Errorf("%w: %s", ErrNoSubscriber, serverID)
	}
	f.published.Add(1)
	return nil
}

// Run subscribes to this instance's channel and hands each message to
// deliver until ctx is done. It returns the subscription error, if any, so a
// supervisor can restart it.
func (f *Forwarder) Run(ctx context.Context, deliver DeliverFunc) error {
	ps := f.client.Subscribe(ctx, f.Channel(f.serverID))
	defer ps.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	f.log.Info("forward channel subscribed", logx.String("channel", f.Channel(f.serverID)))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			f.handle(ctx, m.Payload, deliver)
		}
	}
}

func (f *Forwarder) handle(ctx context.Context, payload string, deliver DeliverFunc) {
	f.received.Add(1)
	var msg Message
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.ClientID == "" {
		f.log.Warn("dropping malformed forward message", logx.Err(err))
		return
	}
	if err := deliver(ctx, msg.ClientID, msg.Frame); err != nil {
		f.log.Debug("forwarded frame not delivered", logx.String("client", msg.ClientID), logx.Err(err))
	}
}

func (f *Forwarder) Stats() Stats {
	return Stats{Published: f.published.Load(), Received: f.received.Load(), Failed: f.failed.Load()}
}
