package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub1 := broker.Subscribe()
	sub2 := broker.Subscribe()
	assert.Equal(t, 2, broker.SubscriberCount())

	broker.Publish(EventVolumeUpdated, VolumeData{VolumeID: 7})

	for _, sub := range []Subscriber{sub1, sub2} {
		select {
		case event := <-sub:
			assert.Equal(t, EventVolumeUpdated, event.Type)
			assert.Equal(t, VolumeData{VolumeID: 7}, event.Data)
			assert.False(t, event.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestDeliveryOrderIsFIFO(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()

	for i := range 20 {
		broker.Publish(EventTaskStatus, TaskStatusData{Message: string(rune('a' + i))})
	}

	for i := range 20 {
		select {
		case event := <-sub:
			data := event.Data.(TaskStatusData)
			require.Equal(t, string(rune('a'+i)), data.Message)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	broker.Unsubscribe(sub)

	_, open := <-sub
	assert.False(t, open)
	assert.Equal(t, 0, broker.SubscriberCount())
}

func TestStopClosesSubscribers(t *testing.T) {
	broker := NewBroker()
	broker.Start()

	sub := broker.Subscribe()
	broker.Stop()

	// Draining until close must terminate.
	for range sub {
	}
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	broker.Stop()

	done := make(chan struct{})
	go func() {
		broker.Publish(EventQueueEnded, QueueEndedData{ID: 1})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked after stop")
	}
}
