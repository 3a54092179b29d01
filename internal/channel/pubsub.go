package channel

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// PubSub publishes the body to the redis channel named by meta.channel. It
// backs the "websocket" channel: any subscriber relays it to its sockets.
type PubSub struct {
	Client redis.UniversalClient
}

func (p *PubSub) Name() string { return "websocket" }

func (p *PubSub) Deliver(ctx context.Context, body json.RawMessage, meta Meta) (Details, error) {
	ch, ok := meta.String("channel")
	if !ok {
		return nil, missingMeta("channel")
	}
	n, err := p.Client.Publish(ctx, ch, []byte(body)).Result()
	if err != nil {
		return Details{"channel": ch}, err
	}
	return Details{"channel": ch, "subscribers_reached": n}, nil
}
