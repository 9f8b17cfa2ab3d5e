package changebus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/npiesco/absurder-sql/pkg/types"
)

func TestBus_SubscriberReceivesEventForItsDatabase(t *testing.T) {
	b := New()
	defer b.Stop()

	sub := b.Subscribe("alpha")
	defer b.Unsubscribe("alpha", sub)

	b.Publish(types.ChangeEvent{DatabaseName: "alpha", Generation: 1, ChangeType: types.ChangeData})

	select {
	case ev := <-sub:
		assert.Equal(t, "alpha", ev.DatabaseName)
		assert.EqualValues(t, 1, ev.Generation)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_SubscriberForOtherDatabaseDoesNotReceive(t *testing.T) {
	b := New()
	defer b.Stop()

	sub := b.Subscribe("alpha")
	defer b.Unsubscribe("alpha", sub)

	b.Publish(types.ChangeEvent{DatabaseName: "beta", Generation: 1, ChangeType: types.ChangeData})

	select {
	case ev := <-sub:
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_MultipleSubscribersAllReceive(t *testing.T) {
	b := New()
	defer b.Stop()

	sub1 := b.Subscribe("alpha")
	sub2 := b.Subscribe("alpha")
	defer b.Unsubscribe("alpha", sub1)
	defer b.Unsubscribe("alpha", sub2)

	b.Publish(types.ChangeEvent{DatabaseName: "alpha", ChangeType: types.ChangeData})

	for _, sub := range []Subscription{sub1, sub2} {
		select {
		case <-sub:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Stop()

	sub := b.Subscribe("alpha")
	b.Unsubscribe("alpha", sub)

	require.Equal(t, 0, b.SubscriberCount("alpha"))

	_, ok := <-sub
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := New()
	defer b.Stop()

	sub := b.Subscribe("alpha")
	defer b.Unsubscribe("alpha", sub)

	// Fill the subscriber's buffer, then publish well past capacity; none
	// of this should block the publishing goroutine.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			b.Publish(types.ChangeEvent{DatabaseName: "alpha", Generation: uint64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestBus_SubscriberCountTracksSubscribeAndUnsubscribe(t *testing.T) {
	b := New()
	defer b.Stop()

	assert.Equal(t, 0, b.SubscriberCount("alpha"))
	sub := b.Subscribe("alpha")
	assert.Equal(t, 1, b.SubscriberCount("alpha"))
	b.Unsubscribe("alpha", sub)
	assert.Equal(t, 0, b.SubscriberCount("alpha"))
}

func TestBus_StopIsIdempotent(t *testing.T) {
	b := New()
	b.Stop()
	assert.NotPanics(t, func() { b.Stop() })
}
