package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/tuyalocal-core/internal/device"
	"github.com/nerrad567/tuyalocal-core/internal/infrastructure/config"
)

func TestEventBridge_HandleUpdate(t *testing.T) {
	tests := []struct {
		name   string
		old    device.State
		update device.State
		want   []EventType
	}{
		{
			name:   "first status is silent",
			old:    device.State{},
			update: device.State{"1": true},
		},
		{
			name:   "single dp change",
			old:    device.State{"1": true},
			update: device.State{"1": false},
			want:   []EventType{EventStatesUpdate, EventDeviceTriggered, EventDeviceDPTriggered},
		},
		{
			name:   "multi dp change",
			old:    device.State{"1": true},
			update: device.State{"1": false, "2": 5},
			want:   []EventType{EventStatesUpdate, EventDeviceTriggered},
		},
		{
			name:   "unchanged repeat still triggers",
			old:    device.State{"1": true},
			update: device.State{"1": true},
			want:   []EventType{EventDeviceTriggered, EventDeviceDPTriggered},
		},
		{
			name:   "partial update differs from full status",
			old:    device.State{"1": true, "2": 5},
			update: device.State{"1": true},
			want:   []EventType{EventStatesUpdate, EventDeviceTriggered, EventDeviceDPTriggered},
		},
		{
			name:   "nil update only reports the change",
			old:    device.State{"1": true},
			update: nil,
			want:   []EventType{EventStatesUpdate},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewEventBridge()
			rec := newEventRecorder()
			b.AddNotifier(rec)

			b.HandleUpdate("dev1", tt.old, tt.update)

			var got []EventType
			for _, e := range rec.GetEvents() {
				got = append(got, e.Type)
				assert.Equal(t, "dev1", e.DeviceID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventBridge_Timestamp(t *testing.T) {
	b := NewEventBridge()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	rec := newEventRecorder()
	b.AddNotifier(rec)

	b.HandleUpdate("dev1", device.State{"1": true}, device.State{"1": false})

	events := rec.GetEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, fixed, events[0].Timestamp)
	assert.NotEqual(t, events[0].ID, events[1].ID)
}

func TestEventBridge_SubscribeAndUnsubscribe(t *testing.T) {
	b := NewEventBridge()
	var got []device.State
	unsubscribe := b.Subscribe("dev1", func(st device.State) { got = append(got, st) })
	other := 0
	b.Subscribe("dev2", func(device.State) { other++ })

	status := device.State{"1": true}
	b.Dispatch("dev1", status)
	status["1"] = false // subscribers hold copies

	unsubscribe()
	unsubscribe()
	b.Dispatch("dev1", device.State{"1": false})

	assert.Equal(t, []device.State{{"1": true}}, got)
	assert.Zero(t, other)
}

func TestEventBridge_UnsubscribeDuringDispatch(t *testing.T) {
	b := NewEventBridge()
	calls := 0
	var unsubscribe func()
	unsubscribe = b.Subscribe("dev1", func(device.State) {
		calls++
		unsubscribe()
	})
	b.Subscribe("dev1", func(device.State) { calls++ })

	b.Dispatch("dev1", device.State{"1": true})
	b.Dispatch("dev1", device.State{"1": true})

	assert.Equal(t, 3, calls)
}

func TestEventBridge_EntityAdded(t *testing.T) {
	b := NewEventBridge()
	var added []string
	unsubscribe := b.OnEntityAdded("dev1", func(id string) { added = append(added, id) })

	b.EntityAdded("dev1", "switch.one")
	b.EntityAdded("dev2", "switch.two")
	unsubscribe()
	b.EntityAdded("dev1", "switch.three")

	assert.Equal(t, []string{"switch.one"}, added)
}

func TestOptions_Defaults(t *testing.T) {
	opts := DefaultOptions()

	assert.Equal(t, DefaultReconnectInterval, opts.ReconnectInterval)
	assert.Equal(t, DefaultShutdownGrace, opts.ShutdownGrace)
	assert.Equal(t, DefaultFlushDelay, opts.FlushDelay)
	assert.Equal(t, DefaultConnectRetries, opts.ConnectRetries)
	assert.Equal(t, DefaultOfflineThreshold, opts.OfflineThreshold)
	assert.Equal(t, DefaultBackoffSlowdownAttempts, opts.BackoffSlowdownAttempts)
	assert.NotNil(t, opts.Now)
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.SessionConfig{
		ReconnectInterval:       7,
		GatewayWait:             2,
		HeartbeatInterval:       10,
		OfflineWindow:           60,
		BackoffSlowdownAttempts: 12,
		FlushDelayMillis:        25,
	})

	assert.Equal(t, 7*time.Second, opts.ReconnectInterval)
	assert.Equal(t, 2*time.Second, opts.GatewayWait)
	assert.Equal(t, DefaultOfflineWait, opts.OfflineWait)
	assert.Equal(t, 6, opts.OfflineThreshold)
	assert.Equal(t, 12, opts.BackoffSlowdownAttempts)
	assert.Equal(t, 25*time.Millisecond, opts.FlushDelay)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "closed", StateClosed.String())
}
