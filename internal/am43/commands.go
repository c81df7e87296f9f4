package am43

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Edge selects which travel limit is calibrated.
type Edge string

const (
	EdgeOpened Edge = "OPENED"
	EdgeClosed Edge = "CLOSED"
)

// LimitPhase is one step of the limit calibration sub-protocol.
type LimitPhase string

const (
	// LimitSet enters calibration; the motor may overrun until it is left.
	LimitSet    LimitPhase = "SET"
	LimitSave   LimitPhase = "SAVE"
	LimitCancel LimitPhase = "CANCEL"
)

const (
	limitPhaseSet    byte = 0x00
	limitPhaseSave   byte = 0x20
	limitPhaseCancel byte = 0x40

	limitEdgeOpened byte = 0x01
	limitEdgeClosed byte = 0x02
)

// The CLOSED cancel code repeats the OPENED one. Kept as observed on firmware.
var limitPayloads = map[Edge]map[LimitPhase][]byte{
	EdgeOpened: {
		LimitSet:    {limitPhaseSet, limitEdgeOpened, 0x00},
		LimitSave:   {limitPhaseSave, limitEdgeOpened, 0x00},
		LimitCancel: {limitPhaseCancel, limitEdgeOpened, 0x00},
	},
	EdgeClosed: {
		LimitSet:    {limitPhaseSet, limitEdgeClosed, 0x00},
		LimitSave:   {limitPhaseSave, limitEdgeClosed, 0x00},
		LimitCancel: {limitPhaseCancel, limitEdgeOpened, 0x00},
	},
}

// ParseEdge accepts OPENED/CLOSED and the short forms open/close.
func ParseEdge(s string) (Edge, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPENED", "OPEN":
		return EdgeOpened, nil
	case "CLOSED", "CLOSE":
		return EdgeClosed, nil
	default:
		return "", fmt.Errorf("unknown limit edge %q (want OPENED or CLOSED)", s)
	}
}

// ParseLimitPhase accepts SET, SAVE and CANCEL in any case.
func ParseLimitPhase(s string) (LimitPhase, error) {
	switch p := LimitPhase(strings.ToUpper(strings.TrimSpace(s))); p {
	case LimitSet, LimitSave, LimitCancel:
		return p, nil
	default:
		return "", fmt.Errorf("unknown limit phase %q (want SET, SAVE or CANCEL)", s)
	}
}

// LimitPayload returns the SET_LIMIT payload for edge and phase.
func LimitPayload(edge Edge, phase LimitPhase) ([]byte, error) {
	phases, ok := limitPayloads[edge]
	if !ok {
		return nil, fmt.Errorf("unknown limit edge %q", edge)
	}
	p, ok := phases[phase]
	if !ok {
		return nil, fmt.Errorf("unknown limit phase %q", phase)
	}
	return append([]byte(nil), p...), nil
}

// PasscodePayload converts a 4-digit passcode to its 16-bit value and
// returns the two bytes in firmware order (low byte first).
func PasscodePayload(passcode string) ([]byte, error) {
	passcode = strings.TrimSpace(passcode)
	if len(passcode) != 4 {
		return nil, fmt.Errorf("passcode must be 4 digits, got %q", passcode)
	}
	for _, r := range passcode {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("passcode must be 4 digits, got %q", passcode)
		}
	}
	n, err := strconv.ParseUint(passcode, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("passcode %q: %w", passcode, err)
	}
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(n))
	return b, nil
}

// NamePayload maps each character to its code point; anything above 254
// becomes '?'.
func NamePayload(name string) []byte {
	out := make([]byte, 0, len(name))
	for _, r := range name {
		if r > 254 {
			r = '?'
		}
		out = append(out, byte(r))
	}
	return out
}

// MovePayload maps OPEN/CLOSE/STOP to the SET_MOVE payload byte.
func MovePayload(command string) (byte, error) {
	switch strings.ToUpper(strings.TrimSpace(command)) {
	case "OPEN":
		return MoveOpen, nil
	case "CLOSE":
		return MoveClose, nil
	case "STOP":
		return MoveStop, nil
	default:
		return 0, fmt.Errorf("unknown move command %q (want OPEN, CLOSE or STOP)", command)
	}
}
