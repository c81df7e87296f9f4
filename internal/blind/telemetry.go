package blind

import (
	"fmt"
	"strings"
	"time"
)

// State is the connection state of one blind
type State int

const (
	Disconnected State = iota
	Connecting
	Discovering
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Discovering:
		return "discovering"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Direction of travel, in device-native terms (100 = fully closed)
type Direction int

const (
	Stopped Direction = iota
	Opening
	Closing
)

func (d Direction) String() string {
	switch d {
	case Stopped:
		return "stopped"
	case Opening:
		return "opening"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Identity is derived once from discovery metadata
type Identity struct {
	ID          string `json:"id" yaml:"id"`
	Address     string `json:"address,omitempty" yaml:"address,omitempty"`
	DisplayName string `json:"name" yaml:"name"`
}

// NewIdentity applies the display name fallback: local name, then address, then "AM43 Blind <id>"
func NewIdentity(id, address, localName string) Identity {
	name := strings.TrimSpace(localName)
	if name == "" {
		name = strings.TrimSpace(address)
	}
	if name == "" {
		name = "AM43 Blind " + id
	}
	return Identity{ID: id, Address: address, DisplayName: name}
}

// DialAddress is what the adapter connects to. macOS exposes no MAC, only the peripheral id.
func (i Identity) DialAddress() string {
	if i.Address != "" {
		return i.Address
	}
	return i.ID
}

// DefaultBattery is reported until the first battery reading or restored snapshot
const DefaultBattery = 50

// Telemetry is the last known state of a blind. Position is device-native, 100 = closed.
type Telemetry struct {
	Position           int       `json:"position"`
	TargetPosition     *int      `json:"target_position"`
	Direction          Direction `json:"direction"`
	Battery            int       `json:"battery"`
	LightLevel         *int      `json:"light_level"`
	LightSensorPresent bool      `json:"light_sensor_present"`
	PositionUpdatedAt  time.Time `json:"position_updated_at"`
}

func (t Telemetry) clone() Telemetry {
	c := t
	if t.TargetPosition != nil {
		v := *t.TargetPosition
		c.TargetPosition = &v
	}
	if t.LightLevel != nil {
		v := *t.LightLevel
		c.LightLevel = &v
	}
	return c
}

// HistoryLength is how many position samples stop inference looks at
const HistoryLength = 5

// PositionHistory keeps the last HistoryLength samples, newest first
type PositionHistory struct {
	samples []int
}

// Push records a sample, evicting the oldest beyond HistoryLength
func (h *PositionHistory) Push(position int) {
	h.samples = append([]int{position}, h.samples...)
	if len(h.samples) > HistoryLength {
		h.samples = h.samples[:HistoryLength]
	}
}

// Samples returns a copy, newest first
func (h *PositionHistory) Samples() []int {
	return append([]int(nil), h.samples...)
}

func (h *PositionHistory) Len() int { return len(h.samples) }

// Stopped reports whether the motor flatlined: a full history of identical samples
func (h *PositionHistory) Stopped() bool {
	if len(h.samples) < HistoryLength {
		return false
	}
	for _, s := range h.samples[1:] {
		if s != h.samples[0] {
			return false
		}
	}
	return true
}

func (h *PositionHistory) reset() { h.samples = nil }
