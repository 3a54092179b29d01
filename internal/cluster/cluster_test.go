package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/session"
	"notifyhub/internal/storage"
	"notifyhub/pkg/logx"
)

type delivery struct {
	client string
	frame  string
}

func newClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

// startForwarder runs f until the test ends and waits for the subscription.
func startForwarder(t *testing.T, mr *miniredis.Miniredis, f *Forwarder, got chan<- delivery) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx, func(_ context.Context, id string, frame []byte) error {
			got <- delivery{client: id, frame: string(frame)}
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels(f.Channel(f.serverID))) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestForwardReachesOwner(t *testing.T) {
	mr, client := newClient(t)
	owner := NewForwarder(client, "", "srv-b", logx.Nop())
	sender := NewForwarder(client, "", "srv-a", logx.Nop())
	got := make(chan delivery, 1)
	startForwarder(t, mr, owner, got)

	require.NoError(t, sender.Forward(context.Background(), "srv-b", "c1", []byte(`{"type":"info"}`)))
	select {
	case d := <-got:
		assert.Equal(t, "c1", d.client)
		assert.JSONEq(t, `{"type":"info"}`, d.frame)
	case <-time.After(2 * time.Second):
		t.Fatal("forwarded frame not received")
	}
	assert.Equal(t, uint64(1), sender.Stats().Published)
	assert.Equal(t, "ws_forward:srv-b", sender.Channel("srv-b"))
}

func TestForwardWithoutSubscriber(t *testing.T) {
	_, client := newClient(t)
	f := NewForwarder(client, "fw", "srv-a", logx.Nop())
	err := f.Forward(context.Background(), "srv-gone", "c1", []byte(`{}`))
	require.ErrorIs(t, err, ErrNoSubscriber)
	assert.Equal(t, uint64(1), f.Stats().Failed)
}

func TestRouterSendToClient(t *testing.T) {
	mr, client := newClient(t)
	st := storage.NewRedis(client, "", logx.Nop())
	tracker := session.New(st, logx.Nop())
	ctx := context.Background()

	got := make(chan delivery, 1)
	startForwarder(t, mr, NewForwarder(client, "", "srv-b", logx.Nop()), got)
	require.NoError(t, tracker.Beat(ctx, []string{"remote"}, "srv-b", time.Minute))

	var local []string
	r := &Router{
		ServerID:  "srv-a",
		Tracker:   tracker,
		Forwarder: NewForwarder(client, "", "srv-a", logx.Nop()),
		IsLocal:   func(id string) bool { return id == "here" },
		Local: func(_ context.Context, id string, _ []byte) error {
			local = append(local, id)
			return nil
		},
	}

	kind, err := r.SendToClient(ctx, "here", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, session.RouteLocal, kind)
	assert.Equal(t, []string{"here"}, local)

	kind, err = r.SendToClient(ctx, "remote", []byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, session.RouteRemote, kind)
	select {
	case d := <-got:
		assert.Equal(t, "remote", d.client)
	case <-time.After(2 * time.Second):
		t.Fatal("remote frame not forwarded")
	}

	_, err = r.SendToClient(ctx, "nobody", []byte(`{}`))
	assert.True(t, errors.Is(err, ErrUndeliverable))
}
