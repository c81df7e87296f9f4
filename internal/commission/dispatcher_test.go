package commission_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/srg/am43/internal/am43"
	"github.com/srg/am43/internal/commission"
	"github.com/srg/am43/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatcher(t *testing.T) (*commission.Dispatcher, *testutils.FakeAdapter, *testutils.FakePeripheral, *eventLog) {
	t.Helper()
	adapter := testutils.NewFakeAdapter()
	motor := &testutils.Motor{Position: 20, Passcode: "8888"}
	p := adapter.AddPeripheral("aa:00:00:00:00:01", motor.Responder())
	adapter.AddAdvertisement(testutils.NewFakeAdvertisement("motor-a", "aa:00:00:00:00:01", "Bedroom", -40, am43.ServiceUUID))

	events := &eventLog{}
	session := commission.NewSession(adapter, nil, commission.Options{}, testutils.NewTestLogger(t), events.emit)
	t.Cleanup(func() { _ = session.Close() })
	return commission.NewDispatcher(session), adapter, p, events
}

func TestDispatcherRequests(t *testing.T) {
	// GOAL: Verify each request path decodes its payload and returns the documented result

	d, _, p, events := newDispatcher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ja := testutils.NewJSONAsserter(t)

	result, err := d.Handle(ctx, commission.PathScan, json.RawMessage(`{"scan_time": 20}`))
	require.NoError(t, err)
	ja.AssertValue(result, `[{"index": 0, "id": "motor-a", "address": "aa:00:00:00:00:01", "rssi": -40, "localName": "Bedroom"}]`)

	result, err = d.Handle(ctx, commission.PathConnect, json.RawMessage(`{"device_id": 0}`))
	require.NoError(t, err)
	ja.AssertValue(result, `{"index": 0, "id": "motor-a", "localName": "Bedroom"}`)

	result, err = d.Handle(ctx, commission.PathAuth, json.RawMessage(`{"device_id": 0, "passcode": "8888"}`))
	require.NoError(t, err)
	assert.Equal(t, commission.OK, result)

	result, err = d.Handle(ctx, commission.PathRename, json.RawMessage(`{"device_id": 0, "new_name": "Nursery"}`))
	require.NoError(t, err)
	ja.AssertValue(result, `{"index": 0, "localName": "Nursery"}`)

	result, err = d.Handle(ctx, commission.PathAdjust, json.RawMessage(`{"device_id": 0, "openOrClose": "open", "phase": "SET"}`))
	require.NoError(t, err)
	assert.Equal(t, commission.OK, result)

	_, err = d.Handle(ctx, commission.PathMove, json.RawMessage(`{"device_id": 0, "command": "OPEN"}`))
	require.NoError(t, err)

	_, err = d.Handle(ctx, commission.PathAdjust, json.RawMessage(`{"device_id": 0, "edge": "OPENED", "phase": "save"}`))
	require.NoError(t, err)

	result, err = d.Handle(ctx, "ble_reset", nil)
	require.NoError(t, err)
	assert.Equal(t, commission.OK, result)

	writes := p.Char.Writes()
	assert.Equal(t, am43.MustEncode(am43.CommandSetLimit, []byte{0x20, 0x01, 0x00}), writes[len(writes)-1])
	assert.Equal(t, []string{
		commission.EventDeviceDiscovered,
		commission.EventDeviceConnected,
		"auth-success",
		"name-change-success",
		"limit-set-success",
		"limit-save-success",
		commission.EventResetSuccess,
	}, events.names())
}

func TestDispatcherErrors(t *testing.T) {
	d, _, _, _ := newDispatcher(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		path    string
		payload string
		wantErr string
	}{
		{"unknown path", "/reboot", `{}`, "unknown request"},
		{"missing device id", commission.PathConnect, `{}`, "device_id is required"},
		{"bad payload", commission.PathConnect, `{"device_id": "zero"}`, "invalid payload"},
		{"unknown device", commission.PathMove, `{"device_id": 3, "command": "OPEN"}`, `device "3" not found`},
		{"bad edge", commission.PathAdjust, `{"device_id": 0, "edge": "MIDDLE", "phase": "SET"}`, "unknown limit edge"},
		{"bad phase", commission.PathAdjust, `{"device_id": 0, "edge": "OPENED", "phase": "UNDO"}`, "unknown limit phase"},
		{"allow before scan", commission.PathAllow, `{"device_id": 0}`, `device "0" not found`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Handle(ctx, tt.path, json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDispatcherServeLines(t *testing.T) {
	// GOAL: Verify the JSON line protocol interleaves push events and in-order responses on one stream
	//
	// TEST SCENARIO: scan + list + garbage line → discovered event, two responses, one error response

	in := strings.NewReader(strings.Join([]string{
		`{"id": 1, "path": "/scan_for_devices", "payload": {"scan_time": 20}}`,
		``,
		`{"id": 2, "path": "/list_devices"}`,
		`not json`,
	}, "\n"))
	var out bytes.Buffer
	stream := commission.NewStream(&out)

	// Route session events onto the same stream
	adapter := testutils.NewFakeAdapter()
	adapter.AddAdvertisement(testutils.NewFakeAdvertisement("motor-z", "aa:00:00:00:00:09", "Hall", -60, am43.ServiceUUID))
	session := commission.NewSession(adapter, nil, commission.Options{}, testutils.NewTestLogger(t), stream.Emit)
	t.Cleanup(func() { _ = session.Close() })
	d := commission.NewDispatcher(session)

	require.NoError(t, d.Serve(context.Background(), in, stream))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	ja := testutils.NewJSONAsserter(t)
	ja.Assert(lines[0], `{"event": "device-discovered", "data": {"index": 0, "id": "motor-z"}}`)
	ja.Assert(lines[1], `{"id": 1, "path": "/scan_for_devices", "result": [{"index": 0, "localName": "Hall"}]}`)
	ja.Assert(lines[2], `{"id": 2, "path": "/list_devices", "result": [{"id": "motor-z"}]}`)
	ja.Assert(lines[3], `{"path": "", "error": "<<PRESENCE>>"}`)
}

func TestDispatcherPaths(t *testing.T) {
	d, _, _, _ := newDispatcher(t)
	assert.Contains(t, d.Paths(), commission.PathScan)
	assert.Contains(t, d.Paths(), commission.PathReset)
	assert.Len(t, d.Paths(), 11)
}
