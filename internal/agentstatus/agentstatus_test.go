package agentstatus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversToSubscriber(t *testing.T) {
	p := New(nil)
	sub := p.Subscribe()

	p.Publish(Event{Kind: KindDiskFull, Component: "watcher", Message: "disk full"})

	select {
	case ev := <-sub:
		assert.Equal(t, KindDiskFull, ev.Kind)
		assert.Equal(t, "watcher", ev.Component)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublish_DoesNotBlockOnFullSubscriberChannel(t *testing.T) {
	p := New(nil)
	sub := p.Subscribe()

	for i := 0; i < subscriberBufferSize+5; i++ {
		p.Publish(Event{Kind: KindWatcherStateChanged})
	}

	assert.Len(t, sub, subscriberBufferSize, "excess events beyond the buffer must be dropped, not block")
}

func TestPublish_FansOutToMultipleSubscribers(t *testing.T) {
	p := New(nil)
	a := p.Subscribe()
	b := p.Subscribe()

	p.Publish(Event{Kind: KindLedgerReset})

	require.Len(t, a, 1)
	require.Len(t, b, 1)
}
