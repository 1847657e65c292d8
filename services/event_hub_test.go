package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHub_DeliversOnlyToSubscribedUser(t *testing.T) {
	hub := NewEventHub(4)
	ch, cancel := hub.Subscribe("u1")
	defer cancel()
	other, cancelOther := hub.Subscribe("u2")
	defer cancelOther()

	hub.Notify(context.Background(), Event{Type: EventLevelUp, UserID: "u1"})

	select {
	case e := <-ch:
		assert.Equal(t, EventLevelUp, e.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case e := <-other:
		t.Fatalf("unexpected event for u2: %+v", e)
	default:
	}
}

func TestEventHub_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewEventHub(1)
	ch, cancel := hub.Subscribe("u1")
	defer cancel()

	for i := 0; i < 5; i++ {
		hub.Notify(context.Background(), Event{Type: EventProgressionUpdate, UserID: "u1"})
	}
	assert.Len(t, ch, 1)
}

func TestEventHub_CancelClosesAndUnsubscribes(t *testing.T) {
	hub := NewEventHub(1)
	ch, cancel := hub.Subscribe("u1")
	require.Equal(t, 1, hub.Subscribers("u1"))

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	assert.Zero(t, hub.Subscribers("u1"))

	hub.Notify(context.Background(), Event{Type: EventLevelUp, UserID: "u1"})
}

func TestMultiNotifier_FansOut(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	MultiNotifier{a, NopNotifier{}, b}.Notify(context.Background(), Event{Type: EventRankChanged, UserID: "u1"})
	assert.Len(t, a.Events(), 1)
	assert.Len(t, b.OfType(EventRankChanged), 1)
}
