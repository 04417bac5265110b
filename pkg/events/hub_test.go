package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversToMatchingSubscribers(t *testing.T) {
	h := NewHub()

	all, cancelAll := h.Subscribe("")
	defer cancelAll()
	one, cancelOne := h.Subscribe("sess-1")
	defer cancelOne()
	other, cancelOther := h.Subscribe("sess-2")
	defer cancelOther()

	h.Publish(Event{Kind: KindProgress, SessionID: "sess-1", Stage: "builder"})

	select {
	case e := <-all:
		assert.Equal(t, "sess-1", e.SessionID)
		assert.False(t, e.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber missed the event")
	}
	select {
	case e := <-one:
		assert.Equal(t, "builder", e.Stage)
	case <-time.After(time.Second):
		t.Fatal("session subscriber missed the event")
	}
	select {
	case e := <-other:
		t.Fatalf("subscriber for another session got %+v", e)
	default:
	}
}

func TestHubCancelStopsDelivery(t *testing.T) {
	h := NewHub()

	ch, cancel := h.Subscribe("")
	cancel()
	// Idempotent.
	cancel()

	h.Publish(Event{Kind: KindStatus, SessionID: "sess-1"})

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed")
}

func TestHubDropsWhenSubscriberIsFull(t *testing.T) {
	h := NewHub()

	ch, cancel := h.Subscribe("")
	defer cancel()

	for i := 0; i < subscriberBuffer+50; i++ {
		h.Publish(Event{Kind: KindProgress, SessionID: "sess-1"})
	}

	// The buffer is full but Publish never blocked; drain what's there.
	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	require.Equal(t, subscriberBuffer, drained)
}
