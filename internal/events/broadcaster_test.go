package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	assert.Equal(t, 2, b.Count())

	b.Unsubscribe(ch1)
	assert.Equal(t, 1, b.Count())

	_, open := <-ch1
	assert.False(t, open, "unsubscribed channel is closed")

	b.Unsubscribe(ch2)
	b.Unsubscribe(ch2)
	assert.Equal(t, 0, b.Count())
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Publish(Event{Type: EventCreate, Path: "books/new.pdf"})

	select {
	case got := <-ch:
		assert.Equal(t, EventCreate, got.Type)
		assert.Equal(t, "books/new.pdf", got.Path)
		assert.NotZero(t, got.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterMultipleSubscribers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe()
	ch2 := b.Subscribe()
	defer b.Unsubscribe(ch1)
	defer b.Unsubscribe(ch2)

	b.Publish(Event{Type: EventRename, Path: "shared.epub"})

	for i, ch := range []chan Event{ch1, ch2} {
		select {
		case got := <-ch:
			assert.Equal(t, "shared.epub", got.Path, "subscriber %d", i)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventDelete, Path: "gone.pdf"})
	}

	assert.Len(t, ch, subscriberBuffer)
}

func TestMarshalEvent(t *testing.T) {
	data, err := MarshalEvent(Event{Type: EventDelete, Path: "old.pdf", Timestamp: 1234567890})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "delete", decoded["type"])
	assert.Equal(t, "old.pdf", decoded["path"])
	assert.EqualValues(t, 1234567890, decoded["timestamp"])
}
