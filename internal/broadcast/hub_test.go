package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_InitialSnapshotDeliveredBeforeLiveEvents(t *testing.T) {
	hub := New(nil)
	initial := []map[string]any{
		{"source": "a", "state": "ALARM"},
		{"source": "b", "state": "OK"},
	}
	sub, err := hub.Subscribe(ChannelAlarms, initial)
	require.NoError(t, err)

	hub.Broadcast(ChannelAlarms, map[string]any{"source": "c", "state": "WARNING"})

	var got []map[string]any
	for i := 0; i < 3; i++ {
		select {
		case b := <-sub.C():
			var m map[string]any
			require.NoError(t, json.Unmarshal(b, &m))
			got = append(got, m)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for delivery")
		}
	}

	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0]["source"])
	assert.Equal(t, "b", got[1]["source"])
	assert.Equal(t, "c", got[2]["source"], "live event must arrive after the initial snapshot")
}

func TestBroadcast_FanOutToMultipleSubscribers(t *testing.T) {
	hub := New(nil)
	sub1, err := hub.Subscribe(ChannelCommands, nil)
	require.NoError(t, err)
	sub2, err := hub.Subscribe(ChannelCommands, nil)
	require.NoError(t, err)

	hub.Broadcast(ChannelCommands, map[string]any{"command": "x"})

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case <-sub.C():
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive broadcast")
		}
	}
}

func TestBroadcast_DoesNotCrossChannels(t *testing.T) {
	hub := New(nil)
	alarmSub, err := hub.Subscribe(ChannelAlarms, nil)
	require.NoError(t, err)

	hub.Broadcast(ChannelCommands, map[string]any{"command": "x"})

	select {
	case <-alarmSub.C():
		t.Fatal("alarms subscriber must not see a commands broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe_ClosesChannelAndRemovesFromCount(t *testing.T) {
	hub := New(nil)
	sub, err := hub.Subscribe(ChannelAlarms, nil)
	require.NoError(t, err)
	require.Equal(t, 1, hub.SubscriberCount(ChannelAlarms))

	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.SubscriberCount(ChannelAlarms))

	_, ok := <-sub.C()
	assert.False(t, ok, "subscriber channel must be closed after unsubscribe")

	// Calling twice must be safe.
	hub.Unsubscribe(sub)
}

func TestBroadcast_EvictsSlowSubscriberWithoutBlocking(t *testing.T) {
	hub := New(nil)
	sub, err := hub.Subscribe(ChannelAlarms, nil)
	require.NoError(t, err)

	// Fill the subscriber's buffer past capacity without ever reading.
	for i := 0; i < defaultBufferSize+5; i++ {
		hub.Broadcast(ChannelAlarms, map[string]any{"i": i})
	}

	assert.Equal(t, 0, hub.SubscriberCount(ChannelAlarms), "full subscriber must be evicted, not block the publisher")
}
