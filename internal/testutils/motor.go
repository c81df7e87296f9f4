package testutils

import (
	"sync"

	"github.com/srg/am43/internal/am43"
)

// Telemetry notifications laid out the way the motor reports them.

func PositionResponse(pos byte) []byte {
	return Notification(am43.CommandGetPosition, 0x0e, 0x32, pos, 0x00, 0x00)
}

func PositionNotify(pos byte) []byte {
	return Notification(am43.NotifyPosition, 0x00, pos)
}

func BatteryResponse(pct byte) []byte {
	return Notification(am43.CommandGetBatteryStatus, 0x00, 0x00, 0x00, 0x00, pct)
}

func LightResponse(level byte) []byte {
	return Notification(am43.CommandGetLightSensor, 0x00, level)
}

func Ack(cmd byte) []byte {
	return Notification(cmd, am43.ResponseACK)
}

// Motor simulates AM43 firmware replies for frames written to a FakeCharacteristic
type Motor struct {
	mu       sync.Mutex
	Position byte
	Battery  byte
	Light    byte
	Passcode string

	// Silent suppresses replies to SET_POSITION so tests drive position notifications themselves
	Silent bool
}

// Responder returns the function to pass to FakeAdapter.AddPeripheral
func (m *Motor) Responder() Responder {
	return func(frame []byte) [][]byte {
		if len(frame) < 6 {
			return nil
		}
		payload, err := am43.Payload(frame)
		if err != nil {
			return nil
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		switch cmd := frame[5]; cmd {
		case am43.CommandGetPosition:
			return [][]byte{PositionResponse(m.Position)}
		case am43.CommandGetBatteryStatus:
			return [][]byte{BatteryResponse(m.Battery)}
		case am43.CommandGetLightSensor:
			return [][]byte{LightResponse(m.Light)}
		case am43.CommandSetMove:
			return [][]byte{Ack(cmd)}
		case am43.CommandSetPosition:
			if m.Silent {
				return nil
			}
			if len(payload) == 1 {
				m.Position = payload[0]
			}
			return [][]byte{Ack(cmd), PositionNotify(m.Position)}
		case am43.CommandPasscode:
			want, _ := am43.PasscodePayload(m.Passcode)
			if len(want) == 2 && len(payload) == 2 && want[0] == payload[0] && want[1] == payload[1] {
				return [][]byte{am43.Signature(am43.EventAuthSuccess)}
			}
			return [][]byte{am43.Signature(am43.EventAuthError)}
		case am43.CommandChangeName:
			return [][]byte{am43.Signature(am43.EventNameChangeSuccess)}
		case am43.CommandSetLimit:
			if len(payload) == 0 {
				return nil
			}
			return [][]byte{Notification(am43.CommandSetLimit, am43.ResponseACK, payload[0])}
		}
		return nil
	}
}

// SetPosition changes the simulated position
func (m *Motor) SetPosition(pos byte) {
	m.mu.Lock()
	m.Position = pos
	m.mu.Unlock()
}
