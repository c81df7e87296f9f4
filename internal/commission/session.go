// Package commission implements the first-time pairing session: scan, pick a
// motor by discovery index, authenticate, rename, calibrate travel limits and
// jog the motor. It runs independently of the long-running platform.
package commission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/am43/internal/am43"
	"github.com/srg/am43/internal/blind"
	"github.com/srg/am43/internal/config"
	"github.com/srg/am43/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// State is where the session is in the pairing flow
type State int

const (
	Idle State = iota
	Scanning
	DeviceListed
	Connecting
	Connected
	Authenticating
	Authenticated
	Renaming
	CalibratingLimit
	Jogging
)

var stateNames = [...]string{
	Idle:             "idle",
	Scanning:         "scanning",
	DeviceListed:     "device-listed",
	Connecting:       "connecting",
	Connected:        "connected",
	Authenticating:   "authenticating",
	Authenticated:    "authenticated",
	Renaming:         "renaming",
	CalibratingLimit: "calibrating-limit",
	Jogging:          "jogging",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Push event names not covered by am43 notification signatures
const (
	EventDeviceDiscovered = "device-discovered"
	EventDeviceConnected  = "device-connected"
	EventResetSuccess     = "reset-success"
	EventResetFail        = "reset-fail"
)

// ErrScanning is returned when a scan is requested while one is running
var ErrScanning = errors.New("scan already running")

// Entry is one discovered motor. Index is the external reference.
type Entry struct {
	Index     int    `json:"index"`
	ID        string `json:"id"`
	Address   string `json:"address"`
	RSSI      int    `json:"rssi"`
	LocalName string `json:"localName"`
}

// Event is a push notification to the session client
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Options tune the session
type Options struct {
	CommandSpacing time.Duration
	ConnectTimeout time.Duration
}

// link is the cached connection to one listed motor
type link struct {
	dev           *blind.Device
	authenticated bool
	pendingName   string
}

// Session is one commissioning conversation. Its device list, connection
// cache and calibrations live until Close.
type Session struct {
	adapter device.Adapter
	cfg     *config.Config
	opts    Options
	logger  *logrus.Logger
	emit    func(Event)

	mu           sync.Mutex
	state        State
	scanning     bool
	devices      *orderedmap.OrderedMap[string, *Entry]
	byIndex      []*Entry
	links        map[int]*link
	active       int
	calibrations map[calibrationKey]*Calibration
	closed       bool
}

// NewSession creates an idle session. cfg may be nil when the allow-list is not managed.
// emit receives push events and may be nil.
func NewSession(adapter device.Adapter, cfg *config.Config, opts Options, logger *logrus.Logger, emit func(Event)) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	if emit == nil {
		emit = func(Event) {}
	}
	return &Session{
		adapter:      adapter,
		cfg:          cfg,
		opts:         opts,
		logger:       logger,
		emit:         emit,
		devices:      orderedmap.New[string, *Entry](),
		links:        make(map[int]*link),
		active:       -1,
		calibrations: make(map[calibrationKey]*Calibration),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.WithFields(logrus.Fields{"from": prev.String(), "to": st.String()}).Debug("Session state changed")
	}
}

// settledLocked is the resting state once an operation on the active device finishes
func (s *Session) settledLocked() State {
	if len(s.calibrations) > 0 {
		return CalibratingLimit
	}
	if l, ok := s.links[s.active]; ok && l.dev.IsConnected() {
		if l.authenticated {
			return Authenticated
		}
		return Connected
	}
	if len(s.byIndex) > 0 {
		return DeviceListed
	}
	return Idle
}

func (s *Session) settle() {
	s.mu.Lock()
	st := s.settledLocked()
	s.mu.Unlock()
	s.setState(st)
}

// Devices returns the list in discovery order
func (s *Session) Devices() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, s.devices.Len())
	for pair := s.devices.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}

// Device returns the entry at index
func (s *Session) Device(index int) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.entryLocked(index)
	if err != nil {
		return Entry{}, err
	}
	return *e, nil
}

func (s *Session) entryLocked(index int) (*Entry, error) {
	if index < 0 || index >= len(s.byIndex) {
		return nil, &device.NotFoundError{Resource: "device", IDs: []string{fmt.Sprint(index)}}
	}
	return s.byIndex[index], nil
}

// Scan listens for motors for duration and returns every motor seen so far.
// Motors keep their index across scans so references stay stable within a session.
func (s *Session) Scan(ctx context.Context, duration time.Duration) ([]Entry, error) {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return nil, ErrScanning
	}
	s.scanning = true
	s.mu.Unlock()
	s.setState(Scanning)

	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
		s.settle()
	}()

	scanCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	s.logger.WithField("duration", duration).Info("Scanning for AM43 motors")
	if err := s.adapter.Scan(scanCtx, am43.ServiceUUID, s.discovered); err != nil {
		s.logger.WithError(err).Error("Scan failed")
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	devices := s.Devices()
	s.logger.WithField("count", len(devices)).Info("Scan finished")
	return devices, nil
}

func (s *Session) discovered(adv device.Advertisement) {
	id := device.NormalizeIdentity(adv.ID())
	if id == "" {
		id = device.NormalizeIdentity(adv.Address())
	}

	s.mu.Lock()
	e, known := s.devices.Get(id)
	if known {
		e.RSSI = adv.RSSI()
		if name := adv.LocalName(); name != "" {
			e.LocalName = name
		}
		s.mu.Unlock()
		return
	}
	e = &Entry{
		Index:     len(s.byIndex),
		ID:        adv.ID(),
		Address:   adv.Address(),
		RSSI:      adv.RSSI(),
		LocalName: adv.LocalName(),
	}
	s.devices.Set(id, e)
	s.byIndex = append(s.byIndex, e)
	snapshot := *e
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"index":   snapshot.Index,
		"device":  snapshot.ID,
		"address": snapshot.Address,
		"rssi":    snapshot.RSSI,
		"name":    snapshot.LocalName,
	}).Info("Discovered AM43 motor")
	s.emit(Event{Name: EventDeviceDiscovered, Data: snapshot})
}

// linkFor returns the cached link for index, creating it on first use
func (s *Session) linkFor(index int) (*link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	e, err := s.entryLocked(index)
	if err != nil {
		return nil, err
	}
	s.active = index
	if l, ok := s.links[index]; ok {
		return l, nil
	}

	identity := blind.NewIdentity(e.ID, e.Address, e.LocalName)
	l := &link{}
	l.dev = blind.New(identity, s.adapter, blind.Options{
		ConnectTimeout: s.opts.ConnectTimeout,
		CommandSpacing: s.opts.CommandSpacing,
		OnNotification: func(ev am43.Event) { s.notification(index, ev) },
	}, s.logger)
	s.links[index] = l
	return l, nil
}

// Connect connects to the motor at index. Concurrent calls share one attempt.
func (s *Session) Connect(ctx context.Context, index int) (Entry, error) {
	l, err := s.linkFor(index)
	if err != nil {
		return Entry{}, err
	}
	if !l.dev.IsConnected() {
		s.setState(Connecting)
	}
	if err := l.dev.Connect(ctx); err != nil {
		s.settle()
		return Entry{}, err
	}
	s.settle()

	e, err := s.Device(index)
	if err != nil {
		return Entry{}, err
	}
	s.emit(Event{Name: EventDeviceConnected, Data: e})
	return e, nil
}

// send writes one command to the motor at index, connecting on demand
func (s *Session) send(ctx context.Context, index int, command byte, payload []byte) error {
	l, err := s.linkFor(index)
	if err != nil {
		return err
	}
	return l.dev.SendCommand(ctx, command, payload)
}

// Auth sends the passcode. The outcome arrives as auth-success or auth-error.
func (s *Session) Auth(ctx context.Context, index int, passcode string) error {
	payload, err := am43.PasscodePayload(passcode)
	if err != nil {
		return err
	}
	s.setState(Authenticating)
	if err := s.send(ctx, index, am43.CommandPasscode, payload); err != nil {
		s.settle()
		return err
	}
	return nil
}

// Rename sends a new name. The cached local name changes on name-change-success.
func (s *Session) Rename(ctx context.Context, index int, name string) (Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Entry{}, errors.New("name must not be empty")
	}
	l, err := s.linkFor(index)
	if err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	l.pendingName = name
	s.mu.Unlock()
	s.setState(Renaming)

	if err := l.dev.SendCommand(ctx, am43.CommandChangeName, am43.NamePayload(name)); err != nil {
		s.mu.Lock()
		l.pendingName = ""
		s.mu.Unlock()
		s.settle()
		return Entry{}, err
	}
	return s.Device(index)
}

// Move sends OPEN, CLOSE or STOP to the motor at index
func (s *Session) Move(ctx context.Context, index int, command string) error {
	code, err := am43.MovePayload(command)
	if err != nil {
		return err
	}
	return s.send(ctx, index, am43.CommandSetMove, []byte{code})
}

// JogPress starts moving toward OPEN or CLOSE until JogRelease
func (s *Session) JogPress(ctx context.Context, index int, command string) error {
	code, err := am43.MovePayload(command)
	if err != nil {
		return err
	}
	if code == am43.MoveStop {
		return s.JogRelease(ctx, index)
	}
	s.setState(Jogging)
	if err := s.send(ctx, index, am43.CommandSetMove, []byte{code}); err != nil {
		s.settle()
		return err
	}
	return nil
}

// JogRelease stops the motor
func (s *Session) JogRelease(ctx context.Context, index int) error {
	defer s.settle()
	return s.send(ctx, index, am43.CommandSetMove, []byte{am43.MoveStop})
}

// Reset restarts the radio and forgets every cached connection.
// Open calibrations are cancelled first; one whose CANCEL fails stays
// tracked so Close retries it over a fresh link.
func (s *Session) Reset() error {
	s.cancelCalibrations()

	s.mu.Lock()
	links := s.links
	s.links = make(map[int]*link)
	s.active = -1
	s.mu.Unlock()

	for _, l := range links {
		l.dev.Disconnect()
	}

	if err := s.adapter.Reset(); err != nil {
		s.logger.WithError(err).Error("BLE reset failed")
		s.emit(Event{Name: EventResetFail, Data: err.Error()})
		s.settle()
		return err
	}
	s.logger.Info("BLE adapter reset")
	s.emit(Event{Name: EventResetSuccess})
	s.settle()
	return nil
}

// notification turns commissioning signatures into push events
func (s *Session) notification(index int, ev am43.Event) {
	switch ev.Kind {
	case am43.EventAuthSuccess, am43.EventAuthError:
		s.mu.Lock()
		if l, ok := s.links[index]; ok {
			l.authenticated = ev.Kind == am43.EventAuthSuccess
		}
		s.mu.Unlock()
	case am43.EventNameChangeSuccess, am43.EventNameChangeError:
		s.mu.Lock()
		if l, ok := s.links[index]; ok {
			if ev.Kind == am43.EventNameChangeSuccess && l.pendingName != "" {
				if e, err := s.entryLocked(index); err == nil {
					e.LocalName = l.pendingName
				}
			}
			l.pendingName = ""
		}
		s.mu.Unlock()
	case am43.EventLimitSetSuccess, am43.EventLimitSaveSuccess, am43.EventLimitCancelSuccess:
	default:
		return
	}

	s.logger.WithFields(logrus.Fields{"index": index, "event": ev.Kind.String()}).Info("Motor responded")
	s.settle()
	s.emit(Event{Name: ev.Kind.String(), Data: map[string]int{"index": index}})
}

// Close cancels unsaved calibrations and disconnects every cached link
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.cancelCalibrations()

	s.mu.Lock()
	s.closed = true
	links := s.links
	s.links = make(map[int]*link)
	s.mu.Unlock()

	for _, l := range links {
		l.dev.Disconnect()
	}
	s.setState(Idle)
	return err
}

func (s *Session) cancelCalibrations() error {
	s.mu.Lock()
	cals := make([]*Calibration, 0, len(s.calibrations))
	for _, c := range s.calibrations {
		cals = append(cals, c)
	}
	s.mu.Unlock()
	if len(cals) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for _, c := range cals {
		if err := c.Close(ctx); err != nil {
			s.logger.WithError(err).WithField("index", c.Index()).Warn("Failed to cancel limit calibration")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
