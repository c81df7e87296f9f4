package am43

import (
	"bytes"
	"fmt"
)

// EventKind identifies what a decoded notification carries.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventPosition
	EventLightLevel
	EventBattery
	EventMoveAck
	EventSetPositionAck

	// Literal signatures used by the commissioning session.
	EventAuthSuccess
	EventAuthError
	EventNameChangeSuccess
	EventNameChangeError
	EventLimitSetSuccess
	EventLimitSaveSuccess
	EventLimitCancelSuccess
)

var eventKindNames = map[EventKind]string{
	EventUnknown:            "unknown",
	EventPosition:           "position",
	EventLightLevel:         "light-level",
	EventBattery:            "battery",
	EventMoveAck:            "move-ack",
	EventSetPositionAck:     "set-position-ack",
	EventAuthSuccess:        "auth-success",
	EventAuthError:          "auth-error",
	EventNameChangeSuccess:  "name-change-success",
	EventNameChangeError:    "name-change-error",
	EventLimitSetSuccess:    "limit-set-success",
	EventLimitSaveSuccess:   "limit-save-success",
	EventLimitCancelSuccess: "limit-cancel-success",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is one decoded notification.
type Event struct {
	Kind EventKind

	// Command is byte[1] of the notification.
	Command byte

	// Value holds position, light level or battery percentage.
	Value int

	// Acked is set for ack events: true for ACK, false for NACK.
	Acked bool

	// ChecksumOK reports whether the trailing byte matches Checksum.
	ChecksumOK bool

	Raw []byte
}

// response builds a device-side notification: 9a|command|len|data|checksum.
func response(command byte, data ...byte) []byte {
	b := append([]byte{framePrefix[len(framePrefix)-1], command, byte(len(data))}, data...)
	return append(b, Checksum(b))
}

var signatures = []struct {
	kind EventKind
	sig  []byte
}{
	{EventAuthSuccess, response(CommandPasscode, ResponseACK)},
	{EventAuthError, response(CommandPasscode, ResponseNACK)},
	{EventNameChangeSuccess, response(CommandChangeName, ResponseACK)},
	{EventNameChangeError, response(CommandChangeName, ResponseNACK)},
	{EventLimitSetSuccess, response(CommandSetLimit, ResponseACK, limitPhaseSet)},
	{EventLimitSaveSuccess, response(CommandSetLimit, ResponseACK, limitPhaseSave)},
	{EventLimitCancelSuccess, response(CommandSetLimit, ResponseACK, limitPhaseCancel)},
}

// Signature returns the literal notification that maps to kind, or nil.
func Signature(kind EventKind) []byte {
	for _, s := range signatures {
		if s.kind == kind {
			return append([]byte(nil), s.sig...)
		}
	}
	return nil
}

// Decode interprets a raw notification. Literal signatures are matched
// against the full payload before dispatching on byte[1]. Unrecognized
// identifiers decode to EventUnknown without error.
func Decode(raw []byte) (Event, error) {
	if len(raw) < 2 {
		return Event{}, fmt.Errorf("%w: %d bytes", ErrMalformedNotification, len(raw))
	}

	ev := Event{
		Command:    raw[1],
		ChecksumOK: Verify(raw) == nil,
		Raw:        raw,
	}

	for _, s := range signatures {
		if bytes.Equal(raw, s.sig) {
			ev.Kind = s.kind
			return ev, nil
		}
	}

	switch raw[1] {
	case CommandGetPosition:
		return ev.withPercent(EventPosition, raw, 5)
	case NotifyPosition:
		return ev.withPercent(EventPosition, raw, 4)
	case CommandGetLightSensor:
		return ev.withValue(EventLightLevel, raw, 4)
	case CommandGetBatteryStatus:
		return ev.withPercent(EventBattery, raw, 7)
	case CommandSetMove:
		return ev.withAck(EventMoveAck, raw)
	case CommandSetPosition:
		return ev.withAck(EventSetPositionAck, raw)
	default:
		return ev, nil
	}
}

func (ev Event) withValue(kind EventKind, raw []byte, offset int) (Event, error) {
	if len(raw) <= offset {
		return Event{}, fmt.Errorf("%w: %s needs byte[%d], got %d bytes", ErrMalformedNotification, kind, offset, len(raw))
	}
	ev.Kind = kind
	ev.Value = int(raw[offset])
	return ev, nil
}

func (ev Event) withPercent(kind EventKind, raw []byte, offset int) (Event, error) {
	ev, err := ev.withValue(kind, raw, offset)
	if err != nil {
		return ev, err
	}
	if ev.Value > 100 {
		return Event{}, fmt.Errorf("%w: %s value %d out of range", ErrMalformedNotification, kind, ev.Value)
	}
	return ev, nil
}

func (ev Event) withAck(kind EventKind, raw []byte) (Event, error) {
	if len(raw) <= 3 {
		return Event{}, fmt.Errorf("%w: %s needs byte[3], got %d bytes", ErrMalformedNotification, kind, len(raw))
	}
	switch raw[3] {
	case ResponseACK:
		ev.Acked = true
	case ResponseNACK:
		ev.Acked = false
	default:
		return Event{}, fmt.Errorf("%w: %s response byte 0x%02x", ErrMalformedNotification, kind, raw[3])
	}
	ev.Kind = kind
	return ev, nil
}
