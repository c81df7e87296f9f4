// Package am43 implements the AM43 blind motor command protocol: outbound
// command frames, the XOR checksum, and decoding of inbound notifications.
//
// The package is stateless. Device connections and the commissioning session
// share it.
package am43

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// GATT identifiers of the single control + notify characteristic.
const (
	ServiceUUID        = "fe50"
	CharacteristicUUID = "fe51"
)

// Command identifiers.
const (
	CommandSetMove          byte = 0x0a
	CommandSetPosition      byte = 0x0d
	CommandPasscode         byte = 0x17
	CommandSetLimit         byte = 0x22
	CommandChangeName       byte = 0x35
	CommandGetBatteryStatus byte = 0xa2
	CommandGetPosition      byte = 0xa7
	CommandGetLightSensor   byte = 0xaa
)

// SET_MOVE payloads.
const (
	MoveOpen  byte = 0xdd
	MoveClose byte = 0xee
	MoveStop  byte = 0xcc
)

// Response codes.
const (
	ResponseACK  byte = 0x5a
	ResponseNACK byte = 0xa5

	// NotifyPosition is the identifier of unsolicited position reports.
	NotifyPosition byte = 0xa1
)

// RequestData is the single payload byte used by the GET_* commands.
const RequestData byte = 0x01

// MaxPayload is the largest payload that fits the one-byte length field.
const MaxPayload = 255

var framePrefix = [...]byte{0x00, 0xff, 0x00, 0x00, 0x9a}

// headerLen is prefix + command id + length byte.
const headerLen = len(framePrefix) + 2

var (
	// ErrFrameTooLarge is returned when a payload does not fit the length byte.
	ErrFrameTooLarge = errors.New("am43: payload exceeds 255 bytes")

	// ErrMalformedNotification marks a notification that cannot be interpreted.
	ErrMalformedNotification = errors.New("am43: malformed notification")

	// ErrChecksumMismatch marks a frame whose trailing checksum is wrong.
	ErrChecksumMismatch = errors.New("am43: checksum mismatch")
)

// Checksum returns XOR of all bytes inverted with 0xff.
func Checksum(b []byte) byte {
	var c byte
	for _, v := range b {
		c ^= v
	}
	return c ^ 0xff
}

// Encode builds the frame prefix|command|len|payload|checksum.
func Encode(command byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: command 0x%02x, %d bytes", ErrFrameTooLarge, command, len(payload))
	}

	frame := make([]byte, 0, headerLen+len(payload)+1)
	frame = append(frame, framePrefix[:]...)
	frame = append(frame, command, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, Checksum(frame))
	return frame, nil
}

// MustEncode is Encode for fixed command sets; an oversized payload is a bug.
func MustEncode(command byte, payload []byte) []byte {
	frame, err := Encode(command, payload)
	if err != nil {
		panic(err)
	}
	return frame
}

// Verify checks the trailing checksum of a frame or notification.
func Verify(frame []byte) error {
	if len(frame) < 2 {
		return fmt.Errorf("%w: %d bytes", ErrMalformedNotification, len(frame))
	}
	last := len(frame) - 1
	if want := Checksum(frame[:last]); frame[last] != want {
		return fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksumMismatch, frame[last], want)
	}
	return nil
}

// Payload strips prefix, command, length and checksum from an encoded frame.
func Payload(frame []byte) ([]byte, error) {
	if len(frame) < headerLen+1 {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformedNotification, len(frame))
	}
	n := int(frame[headerLen-1])
	if len(frame) != headerLen+n+1 {
		return nil, fmt.Errorf("%w: length byte %d does not match frame of %d bytes", ErrMalformedNotification, n, len(frame))
	}
	if err := Verify(frame); err != nil {
		return nil, err
	}
	return frame[headerLen : headerLen+n], nil
}

// Hex renders bytes the way they are logged.
func Hex(b []byte) string {
	return hex.EncodeToString(b)
}
