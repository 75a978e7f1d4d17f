package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New()
	a, unsubA := b.Subscribe(2)
	c, unsubC := b.Subscribe(2)
	defer unsubC()

	b.Publish(Event{Type: "watch.check"})
	ea := <-a
	ec := <-c
	require.Equal(t, "watch.check", ea.Type)
	require.False(t, ea.Time.IsZero())
	require.Equal(t, "watch", ec.Domain())

	unsubA()
	unsubA()
	_, ok := <-a
	require.False(t, ok)
	b.Publish(Event{Type: "after"})
	require.Equal(t, "after", (<-c).Type)
}

func TestPublishDropsForFullSubscriber(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		b.Publish(Event{Type: "one"})
		b.Publish(Event{Type: "two"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
	require.Equal(t, "one", (<-ch).Type)
	require.EqualValues(t, 1, b.Dropped())
	require.Equal(t, "plain", Event{Type: "plain"}.Domain())
}
