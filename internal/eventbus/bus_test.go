package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByType(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	only, unsubOnly := b.Subscribe(4, NotifyDenied)
	defer unsubOnly()

	b.Publish(Event{Type: NotifyDelivered})
	b.Publish(Event{Type: NotifyDenied, Data: "u1"})

	require.Len(t, all, 2)
	require.Len(t, only, 1)
	ev := <-only
	assert.Equal(t, NotifyDenied, ev.Type)
	assert.False(t, ev.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	assert.Equal(t, uint64(1), b.Dropped())

	unsub()
	unsub()
	b.Publish(Event{Type: "c"})
}
