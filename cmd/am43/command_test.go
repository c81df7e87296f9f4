package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/am43/internal/am43"
	"github.com/srg/am43/internal/commission"
	"github.com/srg/am43/internal/config"
	"github.com/srg/am43/internal/device"
	"github.com/srg/am43/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

const (
	testBlindID      = "blind-1"
	testBlindAddress = "aa:bb:cc:dd:ee:01"
)

// CommandTestSuite runs cobra commands against an in-memory adapter
type CommandTestSuite struct {
	suite.Suite

	adapter    *testutils.FakeAdapter
	motor      *testutils.Motor
	peripheral *testutils.FakePeripheral
	configPath string
	statePath  string
	restore    func(*logrus.Logger) device.Adapter
}

func (s *CommandTestSuite) SetupTest() {
	s.adapter = testutils.NewFakeAdapter()
	s.motor = &testutils.Motor{Position: 30, Battery: 80, Light: 5}
	s.peripheral = s.adapter.AddPeripheral(testBlindAddress, s.motor.Responder())
	s.adapter.AddAdvertisement(testutils.NewFakeAdvertisement(testBlindID, testBlindAddress, "Kitchen", -50, am43.ServiceUUID))

	dir := s.T().TempDir()
	s.configPath = filepath.Join(dir, "am43.yaml")
	s.statePath = filepath.Join(dir, "state.yaml")
	s.writeConfig(fmt.Sprintf(`
scan_timeout: 2s
command_spacing: 1ms
track_interval: 20ms
state_file: %s
allowed_devices:
  - %s
`, s.statePath, testBlindID))

	s.restore = newAdapter
	newAdapter = func(*logrus.Logger) device.Adapter { return s.adapter }
}

func (s *CommandTestSuite) TearDownTest() {
	newAdapter = s.restore
}

func (s *CommandTestSuite) writeConfig(body string) {
	s.Require().NoError(os.WriteFile(s.configPath, []byte(body), 0o600))
}

// ExecuteCommand runs the root command with args, returns stdout and error
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	out := new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(append([]string{"--config", s.configPath, "--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (s *CommandTestSuite) TestStatus() {
	// GOAL: Verify status reads telemetry and prints it in host (100 = open) convention

	out, err := s.ExecuteCommand(rootCmd, "status", testBlindID)
	s.Require().NoError(err)

	s.Contains(out, "OPEN %")
	fields := strings.Fields(strings.Split(strings.TrimSpace(out), "\n")[1])
	s.Equal([]string{testBlindID, "Kitchen", testBlindAddress, "70", "80", "5"}, fields)

	state, err := config.LoadState(s.statePath)
	s.Require().NoError(err)
	st, ok := state.Get(testBlindID)
	s.Require().True(ok, "state MUST be saved on exit")
	s.Equal(30, st.LastPosition)
}

func (s *CommandTestSuite) TestSetPosition() {
	out, err := s.ExecuteCommand(rootCmd, "set-position", "100", testBlindID)
	s.Require().NoError(err)

	s.Contains(out, "blind-1: 100% open")
	s.Contains(s.peripheral.Char.Writes(), am43.MustEncode(am43.CommandSetPosition, []byte{0}), "host 100 MUST be sent as native 0")
}

func (s *CommandTestSuite) TestSetPositionRejectsOutOfRange() {
	_, err := s.ExecuteCommand(rootCmd, "set-position", "101")
	s.ErrorContains(err, "must be 0..100")
}

func (s *CommandTestSuite) TestClose() {
	out, err := s.ExecuteCommand(rootCmd, "close", testBlindID)
	s.Require().NoError(err)

	s.Equal("blind-1: close\n", out)
	s.Contains(s.peripheral.Char.Writes(), am43.MustEncode(am43.CommandSetMove, []byte{am43.MoveClose}))
}

func (s *CommandTestSuite) TestNoAllowedBlinds() {
	s.writeConfig(fmt.Sprintf("scan_timeout: 50ms\nstate_file: %s\nallowed_devices: []\n", s.statePath))

	_, err := s.ExecuteCommand(rootCmd, "stop")

	s.ErrorIs(err, ErrNoBlinds)
	s.Equal(0, s.adapter.ConnectCalls())
}

func (s *CommandTestSuite) TestCommissionJSONLines() {
	// GOAL: Verify the commission command serves the JSON line protocol on non-terminal stdin

	in := strings.NewReader(`{"id": 1, "path": "/scan_for_devices", "payload": {"scan_time": 20}}` + "\n" +
		`{"id": 2, "path": "/allow_device", "payload": {"device_id": 0}}` + "\n")
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetIn(in)
	rootCmd.SetArgs([]string{"--config", s.configPath, "--log-level", "error", "commission", "--json"})
	s.Require().NoError(rootCmd.Execute())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	s.Require().Len(lines, 3)
	ja := testutils.NewJSONAsserter(s.T())
	ja.Assert(lines[0], `{"event": "device-discovered", "data": {"id": "blind-1"}}`)
	ja.Assert(lines[1], `{"id": 1, "result": [{"index": 0, "localName": "Kitchen"}]}`)
	ja.Assert(lines[2], `{"id": 2, "result": "OK"}`)
}

func TestCommandTestSuite(t *testing.T) {
	suite.Run(t, new(CommandTestSuite))
}

func TestParseShellCommand(t *testing.T) {
	tests := []struct {
		line    string
		path    string
		payload string
		wantErr string
	}{
		{line: "scan", path: commission.PathScan, payload: `{}`},
		{line: "scan 2000", path: commission.PathScan, payload: `{"scan_time": 2000}`},
		{line: "connect 1", path: commission.PathConnect, payload: `{"device_id": 1}`},
		{line: "auth 0 8888", path: commission.PathAuth, payload: `{"device_id": 0, "passcode": "8888"}`},
		{line: "rename 0 Living Room", path: commission.PathRename, payload: `{"device_id": 0, "new_name": "Living Room"}`},
		{line: "limit 2 close save", path: commission.PathAdjust, payload: `{"device_id": 2, "edge": "close", "phase": "SAVE"}`},
		{line: "move 0 stop", path: commission.PathMove, payload: `{"device_id": 0, "command": "STOP"}`},
		{line: "jog 0 open", path: commission.PathJog, payload: `{"device_id": 0, "command": "OPEN", "pressed": true}`},
		{line: "release 0", path: commission.PathJog, payload: `{"device_id": 0, "pressed": false}`},
		{line: "disallow 3", path: commission.PathDisallow, payload: `{"device_id": 3}`},
		{line: "reset", path: commission.PathReset, payload: `{}`},
		{line: "auth 0", wantErr: "usage: auth <n> <passcode>"},
		{line: "connect x", wantErr: "invalid device index"},
		{line: "scan -1", wantErr: "invalid scan time"},
		{line: "fly 0", wantErr: "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			path, payload, err := parseShellCommand(strings.Fields(tt.line))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, path)
			assert.JSONEq(t, tt.payload, string(payload))
		})
	}
}

func TestShellPrintsEventsAndResults(t *testing.T) {
	out := new(bytes.Buffer)
	sh := newShell(out)
	sh.dispatcher = commission.NewDispatcher(commission.NewSession(testutils.NewFakeAdapter(), nil, commission.Options{}, testutils.NewTestLogger(t), nil))

	sh.printEvent(commission.Event{Name: "auth-success", Data: map[string]int{"index": 0}})
	require.NoError(t, sh.exec(t.Context(), "list"))
	assert.ErrorIs(t, sh.exec(t.Context(), "quit"), errQuit)
	assert.Error(t, sh.exec(t.Context(), "connect 4"))

	text := out.String()
	assert.Contains(t, text, `event auth-success {"index":0}`)
	assert.Contains(t, text, "[]")
	assert.Contains(t, text, `device "4" not found`)
}

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{device.ErrBluetoothOff, "Bluetooth is turned off"},
		{fmt.Errorf("wrap: %w", ErrNoBlinds), "check allowed_devices"},
		{&device.NotFoundError{Resource: "device", IDs: []string{"x"}}, "out of range"},
		{&device.NotFoundError{Resource: "service", IDs: []string{"fe50"}}, "is this an AM43 motor?"},
		{&device.AdapterError{Op: "connect", Err: errors.New("timeout")}, "bluetooth connect failed: timeout"},
		{errors.New("plain"), "plain"},
	}
	for _, tt := range tests {
		assert.Contains(t, FormatUserError(tt.err), tt.want)
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.0", formatVersion("1.2.0"))
	assert.Equal(t, "dev", formatVersion("dev"))
	assert.Equal(t, "", formatVersion(""))
}

func TestVersionCommand(t *testing.T) {
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetArgs([]string{"version"})
	require.NoError(t, rootCmd.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "am43 dev"))
}
