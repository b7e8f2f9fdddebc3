package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/tuyalocal-core/internal/device"
)

// EventType names a process-wide device notification.
type EventType string

const (
	// EventStatesUpdate carries old_states and new_states when a known
	// status changes.
	EventStatesUpdate EventType = "states_update"

	// EventDeviceTriggered carries states for every update of a device
	// with known status.
	EventDeviceTriggered EventType = "device_triggered"

	// EventDeviceDPTriggered carries dp and value when an update touched
	// exactly one datapoint.
	EventDeviceDPTriggered EventType = "device_dp_triggered"
)

// Event is one notification.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	DeviceID  string         `json:"device_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Notifier receives process-wide notifications.
type Notifier interface {
	HandleEvent(e Event)
}

// StatusSink receives every status broadcast of every device. status is
// nil when the device's entities are shut down.
type StatusSink interface {
	HandleStatus(deviceID string, status device.State)
}

// StatusFunc receives status broadcasts for one device.
type StatusFunc func(status device.State)

type subscription struct {
	id int
	fn StatusFunc
}

type entityHandler struct {
	id int
	fn func(entityID string)
}

// EventBridge derives notifications from status transitions and fans status
// broadcasts out to subscribers. Handlers run synchronously on the caller's
// goroutine and must not block.
//
// Thread Safety: All methods are safe for concurrent use.
type EventBridge struct {
	mu        sync.RWMutex
	nextID    int
	subs      map[string][]subscription
	entities  map[string][]entityHandler
	notifiers []Notifier
	sinks     []StatusSink
	now       func() time.Time
}

// NewEventBridge creates an empty bridge.
func NewEventBridge() *EventBridge {
	return &EventBridge{
		subs:     make(map[string][]subscription),
		entities: make(map[string][]entityHandler),
		now:      time.Now,
	}
}

// AddNotifier registers a process-wide notification consumer.
func (b *EventBridge) AddNotifier(n Notifier) {
	b.mu.Lock()
	b.notifiers = append(b.notifiers, n)
	b.mu.Unlock()
}

// AddStatusSink registers a consumer of all status broadcasts.
func (b *EventBridge) AddStatusSink(s StatusSink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Subscribe registers fn for status broadcasts of deviceID and returns the
// function that removes it.
func (b *EventBridge) Subscribe(deviceID string, fn StatusFunc) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[deviceID] = append(b.subs[deviceID], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[deviceID]
			for i, s := range list {
				if s.id == id {
					b.subs[deviceID] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[deviceID]) == 0 {
				delete(b.subs, deviceID)
			}
		})
	}
}

// Dispatch broadcasts the full current status of deviceID. It fires even
// when nothing changed so that new subscribers get a value.
func (b *EventBridge) Dispatch(deviceID string, status device.State) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs[deviceID]...)
	sinks := append([]StatusSink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(status.Clone())
	}
	for _, sink := range sinks {
		sink.HandleStatus(deviceID, status.Clone())
	}
}

// HandleUpdate emits the notifications for one status update. old is the
// status before the update; update is what the device reported.
func (b *EventBridge) HandleUpdate(deviceID string, old, update device.State) {
	if len(old) == 0 {
		return
	}
	if !old.Equal(update) {
		b.emit(deviceID, EventStatesUpdate, map[string]any{
			"old_states": old.Clone(),
			"new_states": update.Clone(),
		})
	}
	if update == nil {
		return
	}
	b.emit(deviceID, EventDeviceTriggered, map[string]any{"states": update.Clone()})
	if len(update) == 1 {
		for dp, value := range update {
			b.emit(deviceID, EventDeviceDPTriggered, map[string]any{"dp": dp, "value": value})
		}
	}
}

func (b *EventBridge) emit(deviceID string, t EventType, data map[string]any) {
	b.mu.RLock()
	notifiers := append([]Notifier(nil), b.notifiers...)
	now := b.now
	b.mu.RUnlock()
	if len(notifiers) == 0 {
		return
	}

	e := Event{
		ID:        uuid.NewString(),
		Type:      t,
		DeviceID:  deviceID,
		Timestamp: now().UTC(),
		Data:      data,
	}
	for _, n := range notifiers {
		n.HandleEvent(e)
	}
}

// OnEntityAdded registers fn for entity-added signals of deviceID.
func (b *EventBridge) OnEntityAdded(deviceID string, fn func(entityID string)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.entities[deviceID] = append(b.entities[deviceID], entityHandler{id: id, fn: fn})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.entities[deviceID]
		for i, h := range list {
			if h.id == id {
				b.entities[deviceID] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(b.entities[deviceID]) == 0 {
			delete(b.entities, deviceID)
		}
	}
}

// EntityAdded signals that presentation attached a new entity to deviceID.
// The session answers by re-dispatching its status.
func (b *EventBridge) EntityAdded(deviceID, entityID string) {
	b.mu.RLock()
	handlers := append([]entityHandler(nil), b.entities[deviceID]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h.fn(entityID)
	}
}
