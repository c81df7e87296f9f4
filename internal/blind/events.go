package blind

import (
	"fmt"
	"sync"
)

// EventKind tags what changed on a blind
type EventKind int

const (
	PositionChanged EventKind = iota
	TargetPositionChanged
	DirectionChanged
	BatteryChanged
	LightChanged
	ConnectedEvent
	DisconnectedEvent
)

var eventKindNames = [...]string{
	PositionChanged:       "position-changed",
	TargetPositionChanged: "target-position-changed",
	DirectionChanged:      "direction-changed",
	BatteryChanged:        "battery-changed",
	LightChanged:          "light-changed",
	ConnectedEvent:        "connected",
	DisconnectedEvent:     "disconnected",
}

func (k EventKind) String() string {
	if int(k) >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is published when a telemetry field or the link state changes.
// Telemetry is a snapshot taken right after the change.
type Event struct {
	Kind      EventKind
	DeviceID  string
	Telemetry Telemetry
}

// broadcaster fans events out to subscribers without blocking the publisher
type broadcaster struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func (b *broadcaster) subscribe(buffer int) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]chan Event)
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// publish returns how many subscribers missed the event because their buffer was full
func (b *broadcaster) publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}
