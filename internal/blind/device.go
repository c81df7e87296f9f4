package blind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/am43/internal/am43"
	"github.com/srg/am43/internal/device"
	"github.com/srg/am43/internal/groutine"
	"golang.org/x/time/rate"
)

// ErrConnectAborted is returned to connect waiters when Disconnect wins the race
var ErrConnectAborted = errors.New("connect aborted by disconnect")

// Options tune one Device
type Options struct {
	// ConnectTimeout bounds the connect + discover sequence.
	ConnectTimeout time.Duration
	// CommandSpacing is the minimum gap between two writes; the firmware drops commands sent faster.
	CommandSpacing time.Duration
	// TrackInterval is how often position is requested while a target is tracked.
	TrackInterval time.Duration
	// EventBuffer is the per-subscriber channel size.
	EventBuffer int
	// OnNotification, when set, receives every decoded notification of the current link.
	OnNotification func(am43.Event)
}

// DefaultOptions returns the values used when a field is left zero
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 30 * time.Second,
		CommandSpacing: 200 * time.Millisecond,
		TrackInterval:  time.Second,
		EventBuffer:    32,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.CommandSpacing < 0 {
		o.CommandSpacing = 0
	}
	if o.TrackInterval <= 0 {
		o.TrackInterval = d.TrackInterval
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}

// pendingOp is the single in-flight connect + discover attempt.
// Every concurrent Connect caller waits on the same done channel.
type pendingOp struct {
	done chan struct{}
	err  error
}

// Device is the connection to one AM43 motor.
// It is created once per physical blind and reused across reconnects.
type Device struct {
	identity Identity
	adapter  device.Adapter
	opts     Options
	logger   *logrus.Logger

	mu         sync.Mutex
	address    string
	state      State
	pending    *pendingOp
	client     device.Client
	char       device.Characteristic
	generation uint64
	telemetry  Telemetry
	history    PositionHistory
	tracker    *groutine.Task
	trackSeq   uint64

	// cmdMu serializes writes; limiter spaces them
	cmdMu   sync.Mutex
	limiter *rate.Limiter

	events broadcaster
}

// New creates a disconnected Device
func New(identity Identity, adapter device.Adapter, opts Options, logger *logrus.Logger) *Device {
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()

	limit := rate.Inf
	if opts.CommandSpacing > 0 {
		limit = rate.Every(opts.CommandSpacing)
	}

	return &Device{
		identity:  identity,
		adapter:   adapter,
		opts:      opts,
		logger:    logger,
		address:   identity.DialAddress(),
		limiter:   rate.NewLimiter(limit, 1),
		telemetry: Telemetry{Battery: DefaultBattery},
	}
}

func (d *Device) log() *logrus.Entry {
	d.mu.Lock()
	addr := d.address
	d.mu.Unlock()
	return d.logger.WithFields(logrus.Fields{
		"device":  d.identity.ID,
		"address": addr,
	})
}

func (d *Device) Identity() Identity { return d.identity }
func (d *Device) ID() string         { return d.identity.ID }

// Address is the current dial target
func (d *Device) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Rebind points the device at a freshly discovered peripheral reference.
// A live link is kept; the new address is used for the next connect.
func (d *Device) Rebind(address string) {
	if address == "" {
		return
	}
	d.mu.Lock()
	changed := d.address != address
	d.address = address
	d.mu.Unlock()
	if changed {
		d.log().Info("Peripheral reference updated")
	}
}

func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Device) IsConnected() bool { return d.State() == Connected }

// ConnectInFlight reports whether a connect/discover attempt is running
func (d *Device) ConnectInFlight() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// Telemetry returns a snapshot of the last known values
func (d *Device) Telemetry() Telemetry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.telemetry.clone()
}

// History returns the recent position samples, newest first
func (d *Device) History() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.history.Samples()
}

// Seed restores last-known position and battery, e.g. from a persisted snapshot
func (d *Device) Seed(position, battery int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if position >= 0 && position <= 100 {
		d.telemetry.Position = position
	}
	if battery >= 0 && battery <= 100 {
		d.telemetry.Battery = battery
	}
}

// Subscribe registers for events. The returned function unsubscribes and closes the channel.
// Slow consumers miss events rather than stall notification handling.
func (d *Device) Subscribe() (<-chan Event, func()) {
	return d.events.subscribe(d.opts.EventBuffer)
}

func (d *Device) publish(evs ...Event) {
	for _, ev := range evs {
		if dropped := d.events.publish(ev); dropped > 0 {
			d.log().WithFields(logrus.Fields{
				"event":   ev.Kind.String(),
				"dropped": dropped,
			}).Debug("Subscriber buffer full, event dropped")
		}
	}
}

func (d *Device) event(kind EventKind) Event {
	return Event{Kind: kind, DeviceID: d.identity.ID, Telemetry: d.telemetry.clone()}
}

// ----------------------------
// Connection state machine
// ----------------------------

// Connect brings the device to Connected. Concurrent callers share one attempt.
// ctx only bounds the wait; the attempt itself runs to completion under ConnectTimeout.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	if d.state == Connected {
		d.mu.Unlock()
		return nil
	}
	op := d.pending
	if op == nil {
		if err := ctx.Err(); err != nil {
			d.mu.Unlock()
			return err
		}
		op = &pendingOp{done: make(chan struct{})}
		d.pending = op
		d.state = Connecting
		d.history.reset()
		address := d.address
		groutine.Go(context.WithoutCancel(ctx), "am43-connect-"+d.identity.ID, func(ctx context.Context) {
			d.runConnect(ctx, op, address)
		})
	}
	d.mu.Unlock()

	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) runConnect(parent context.Context, op *pendingOp, address string) {
	ctx, cancel := context.WithTimeout(parent, d.opts.ConnectTimeout)
	defer cancel()

	err := d.connectAndDiscover(ctx, op, address)

	d.mu.Lock()
	if d.pending == op {
		d.pending = nil
		if err != nil {
			d.state = Disconnected
		}
	}
	d.mu.Unlock()

	op.err = err
	close(op.done)

	if errors.Is(err, ErrConnectAborted) {
		d.log().Debug("Connect aborted")
		return
	}
	if err != nil {
		d.log().WithError(err).Error("Failed to connect")
		return
	}
	d.log().Info("Connected")

	d.mu.Lock()
	ev := d.event(ConnectedEvent)
	d.mu.Unlock()
	d.publish(ev)
}

func (d *Device) connectAndDiscover(ctx context.Context, op *pendingOp, address string) error {
	d.log().Info("Connecting...")
	client, err := d.adapter.Connect(ctx, address)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.pending != op {
		d.mu.Unlock()
		d.dropClient(client)
		return ErrConnectAborted
	}
	d.state = Discovering
	d.client = client
	d.mu.Unlock()

	d.log().Debug("Discovering control characteristic...")
	char, err := client.DiscoverCharacteristic(ctx, am43.ServiceUUID, am43.CharacteristicUUID)
	if err != nil {
		d.abandon(op, client)
		return err
	}

	d.mu.Lock()
	if d.pending != op {
		d.mu.Unlock()
		d.dropClient(client)
		return ErrConnectAborted
	}
	d.generation++
	gen := d.generation
	d.mu.Unlock()

	if err := char.Subscribe(func(data []byte) { d.handleNotification(gen, data) }); err != nil {
		d.abandon(op, client)
		return err
	}

	d.mu.Lock()
	if d.pending != op {
		d.mu.Unlock()
		if err := char.Unsubscribe(); err != nil {
			d.log().WithError(err).Debug("Unsubscribe after aborted connect failed")
		}
		d.dropClient(client)
		return ErrConnectAborted
	}
	d.char = char
	d.state = Connected
	d.mu.Unlock()

	groutine.Go(context.Background(), "am43-link-"+d.identity.ID, func(ctx context.Context) {
		<-client.Disconnected()
		d.linkLost(gen, client)
	})
	return nil
}

// abandon rolls back a half-open link owned by op
func (d *Device) abandon(op *pendingOp, client device.Client) {
	d.mu.Lock()
	if d.pending == op && d.client == client {
		d.client = nil
	}
	d.mu.Unlock()
	d.dropClient(client)
}

func (d *Device) dropClient(client device.Client) {
	if err := client.Disconnect(); err != nil {
		d.log().WithError(err).Warn("Failed to disconnect")
	}
}

// linkLost handles a disconnect reported by the radio
func (d *Device) linkLost(gen uint64, client device.Client) {
	d.mu.Lock()
	if d.generation != gen || d.client != client {
		d.mu.Unlock()
		return
	}
	d.generation++
	d.client = nil
	d.char = nil
	d.state = Disconnected
	tracker := d.tracker
	d.tracker = nil
	ev := d.event(DisconnectedEvent)
	d.mu.Unlock()

	tracker.Cancel()
	d.log().Info("Disconnected by peer")
	d.publish(ev)
}

// Disconnect drops the link and returns without waiting for confirmation.
// It is idempotent; failures are logged.
func (d *Device) Disconnect() {
	d.mu.Lock()
	wasDown := d.state == Disconnected && d.pending == nil
	client, char := d.client, d.char
	d.pending = nil
	d.client = nil
	d.char = nil
	d.state = Disconnected
	d.generation++
	tracker := d.tracker
	d.tracker = nil
	ev := d.event(DisconnectedEvent)
	d.mu.Unlock()

	tracker.Cancel()
	if wasDown {
		return
	}

	if char != nil {
		if err := char.Unsubscribe(); err != nil {
			d.log().WithError(err).Debug("Failed to unsubscribe")
		}
	}
	if client != nil {
		d.dropClient(client)
	}
	d.log().Info("Disconnected")
	d.publish(ev)
}

// ----------------------------
// Commands
// ----------------------------

// SendCommand writes one framed command, connecting first when needed.
// Writes are serialized and spaced by CommandSpacing. Errors are logged and returned, not retried.
func (d *Device) SendCommand(ctx context.Context, command byte, payload []byte) error {
	frame, err := am43.Encode(command, payload)
	if err != nil {
		return err
	}

	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	logger := d.log().WithFields(logrus.Fields{
		"command": fmt.Sprintf("0x%02x", command),
		"frame":   am43.Hex(frame),
	})

	if err := d.Connect(ctx); err != nil {
		logger.WithError(err).Error("Command not sent: connect failed")
		return err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	d.mu.Lock()
	char := d.char
	d.mu.Unlock()
	if char == nil {
		logger.Warn("Command not sent: link dropped")
		return device.ErrNotConnected
	}

	logger.Debug("Writing command")
	if err := char.Write(frame, true); err != nil {
		logger.WithError(err).Error("Failed to write command")
		return err
	}
	return nil
}

func (d *Device) RequestPosition(ctx context.Context) error {
	return d.SendCommand(ctx, am43.CommandGetPosition, []byte{am43.RequestData})
}

func (d *Device) RequestBattery(ctx context.Context) error {
	return d.SendCommand(ctx, am43.CommandGetBatteryStatus, []byte{am43.RequestData})
}

func (d *Device) RequestLight(ctx context.Context) error {
	return d.SendCommand(ctx, am43.CommandGetLightSensor, []byte{am43.RequestData})
}

// RequestAll asks for position, battery and light level in turn
func (d *Device) RequestAll(ctx context.Context) error {
	var errs []error
	for _, req := range []func(context.Context) error{d.RequestPosition, d.RequestBattery, d.RequestLight} {
		if err := req(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ----------------------------
// Notifications
// ----------------------------

func (d *Device) handleNotification(gen uint64, data []byte) {
	logger := d.log().WithField("frame", am43.Hex(data))

	ev, err := am43.Decode(data)
	if err != nil {
		logger.WithError(err).Warn("Dropping malformed notification")
		return
	}
	if !ev.ChecksumOK {
		logger.Debug("Notification checksum mismatch")
	}

	d.mu.Lock()
	if gen != d.generation {
		d.mu.Unlock()
		logger.Debug("Ignoring notification from a previous link")
		return
	}

	var out []Event
	switch ev.Kind {
	case am43.EventPosition:
		out = d.applyPosition(ev.Value)
	case am43.EventBattery:
		if d.telemetry.Battery != ev.Value {
			d.telemetry.Battery = ev.Value
			out = append(out, d.event(BatteryChanged))
		}
	case am43.EventLightLevel:
		d.telemetry.LightSensorPresent = true
		if d.telemetry.LightLevel == nil || *d.telemetry.LightLevel != ev.Value {
			v := ev.Value
			d.telemetry.LightLevel = &v
			out = append(out, d.event(LightChanged))
		}
	case am43.EventMoveAck, am43.EventSetPositionAck:
		if !ev.Acked {
			logger.WithField("kind", ev.Kind.String()).Warn("Command rejected by device")
		}
	default:
		logger.WithField("kind", ev.Kind.String()).Debug("Unhandled notification")
	}
	d.mu.Unlock()

	d.publish(out...)
	if d.opts.OnNotification != nil {
		d.opts.OnNotification(ev)
	}
}

// applyPosition records a sample and re-evaluates target tracking. Caller holds d.mu.
func (d *Device) applyPosition(position int) []Event {
	var out []Event

	d.telemetry.PositionUpdatedAt = time.Now()
	d.history.Push(position)
	if d.telemetry.Position != position {
		d.telemetry.Position = position
		out = append(out, d.event(PositionChanged))
	}

	target := d.telemetry.TargetPosition
	if target == nil {
		return out
	}

	direction := Closing
	if *target < position {
		direction = Opening
	}
	reached := position == *target || d.history.Stopped()
	if reached {
		direction = Stopped
		d.telemetry.TargetPosition = nil
		d.tracker.Cancel()
		d.tracker = nil
	}

	if d.telemetry.Direction != direction {
		d.telemetry.Direction = direction
		out = append(out, d.event(DirectionChanged))
	}
	if reached {
		out = append(out, d.event(TargetPositionChanged))
	}
	return out
}

// setMotion updates target and direction, returning the resulting events. Caller holds d.mu.
func (d *Device) setMotion(target *int, direction Direction) []Event {
	var out []Event
	if !sameTarget(d.telemetry.TargetPosition, target) {
		d.telemetry.TargetPosition = target
		out = append(out, d.event(TargetPositionChanged))
	}
	if d.telemetry.Direction != direction {
		d.telemetry.Direction = direction
		out = append(out, d.event(DirectionChanged))
	}
	return out
}

func sameTarget(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
