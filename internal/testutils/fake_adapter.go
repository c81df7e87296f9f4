package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/srg/am43/internal/device"
)

// FakeAdvertisement is a scripted discovery event
type FakeAdvertisement struct {
	id, address, name string
	rssi              int
	services          []string
	connectable       bool
}

// NewFakeAdvertisement creates an advertisement carrying the given services
func NewFakeAdvertisement(id, address, name string, rssi int, services ...string) *FakeAdvertisement {
	return &FakeAdvertisement{
		id:          id,
		address:     address,
		name:        name,
		rssi:        rssi,
		services:    services,
		connectable: true,
	}
}

func (a *FakeAdvertisement) ID() string         { return a.id }
func (a *FakeAdvertisement) Address() string    { return a.address }
func (a *FakeAdvertisement) LocalName() string  { return a.name }
func (a *FakeAdvertisement) RSSI() int          { return a.rssi }
func (a *FakeAdvertisement) Services() []string { return a.services }
func (a *FakeAdvertisement) Connectable() bool  { return a.connectable }

// Responder produces the notifications a peripheral emits for one written frame
type Responder func(frame []byte) [][]byte

// FakePeripheral is the scripted remote end of a connection
type FakePeripheral struct {
	Address string
	Char    *FakeCharacteristic

	// DiscoverErr makes characteristic discovery fail
	DiscoverErr error

	mu     sync.Mutex
	client *FakeClient
}

// Drop simulates a link loss reported by the radio
func (p *FakePeripheral) Drop() {
	p.mu.Lock()
	c := p.client
	p.mu.Unlock()
	if c != nil {
		c.markDisconnected()
	}
}

// Notify pushes a notification to the current subscriber, if any
func (p *FakePeripheral) Notify(data []byte) {
	p.Char.Notify(data)
}

// FakeAdapter is an in-memory device.Adapter
type FakeAdapter struct {
	mu          sync.Mutex
	advs        []device.Advertisement
	peripherals map[string]*FakePeripheral

	// ConnectGate, when set, blocks Connect until it is closed
	ConnectGate chan struct{}
	ConnectErr  error
	ScanErr     error

	connects atomic.Int32
	scans    atomic.Int32
	resets   atomic.Int32
}

// NewFakeAdapter creates an adapter with no peripherals
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{peripherals: make(map[string]*FakePeripheral)}
}

// AddAdvertisement scripts an advertisement reported by every scan
func (a *FakeAdapter) AddAdvertisement(adv device.Advertisement) *FakeAdapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advs = append(a.advs, adv)
	return a
}

// AddPeripheral registers a connectable peripheral at address
func (a *FakeAdapter) AddPeripheral(address string, responder Responder) *FakePeripheral {
	p := &FakePeripheral{
		Address: address,
		Char:    &FakeCharacteristic{uuid: "fe51", responder: responder},
	}
	a.mu.Lock()
	a.peripherals[device.NormalizeIdentity(address)] = p
	a.mu.Unlock()
	return p
}

// Peripheral returns the peripheral registered at address
func (a *FakeAdapter) Peripheral(address string) *FakePeripheral {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peripherals[device.NormalizeIdentity(address)]
}

func (a *FakeAdapter) ConnectCalls() int { return int(a.connects.Load()) }
func (a *FakeAdapter) ScanCalls() int    { return int(a.scans.Load()) }
func (a *FakeAdapter) ResetCalls() int   { return int(a.resets.Load()) }

// Scan reports every scripted advertisement carrying serviceUUID, then waits for ctx
func (a *FakeAdapter) Scan(ctx context.Context, serviceUUID string, handler func(device.Advertisement)) error {
	a.scans.Add(1)
	if a.ScanErr != nil {
		return &device.AdapterError{Op: "scan", Err: a.ScanErr}
	}

	a.mu.Lock()
	advs := append([]device.Advertisement(nil), a.advs...)
	a.mu.Unlock()

	for _, adv := range advs {
		if serviceUUID == "" || device.HasService(adv, serviceUUID) {
			handler(adv)
		}
	}
	<-ctx.Done()
	return nil
}

func (a *FakeAdapter) Connect(ctx context.Context, address string) (device.Client, error) {
	a.connects.Add(1)

	if gate := a.ConnectGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &device.AdapterError{Op: "connect", Address: address, Err: ctx.Err()}
		}
	}
	if a.ConnectErr != nil {
		return nil, &device.AdapterError{Op: "connect", Address: address, Err: a.ConnectErr}
	}

	p := a.Peripheral(address)
	if p == nil {
		return nil, &device.AdapterError{Op: "connect", Address: address, Err: device.ErrNotConnected}
	}

	c := &FakeClient{peripheral: p, done: make(chan struct{})}
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
	return c, nil
}

// Reset drops every live link
func (a *FakeAdapter) Reset() error {
	a.resets.Add(1)
	a.mu.Lock()
	peripherals := make([]*FakePeripheral, 0, len(a.peripherals))
	for _, p := range a.peripherals {
		peripherals = append(peripherals, p)
	}
	a.mu.Unlock()

	for _, p := range peripherals {
		p.Drop()
	}
	return nil
}

// FakeClient is one link to a FakePeripheral
type FakeClient struct {
	peripheral  *FakePeripheral
	once        sync.Once
	done        chan struct{}
	disconnects atomic.Int32
}

func (c *FakeClient) markDisconnected() {
	c.once.Do(func() {
		c.peripheral.Char.reset()
		close(c.done)
	})
}

func (c *FakeClient) Address() string { return c.peripheral.Address }

func (c *FakeClient) DiscoverCharacteristic(ctx context.Context, serviceUUID, charUUID string) (device.Characteristic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.peripheral.DiscoverErr != nil {
		return nil, &device.AdapterError{Op: "discover", Address: c.peripheral.Address, Err: c.peripheral.DiscoverErr}
	}
	if device.NormalizeUUID(charUUID) != c.peripheral.Char.uuid {
		return nil, &device.NotFoundError{Resource: "characteristic", IDs: []string{serviceUUID, charUUID}}
	}
	return c.peripheral.Char, nil
}

func (c *FakeClient) Disconnect() error {
	c.disconnects.Add(1)
	c.markDisconnected()
	return nil
}

func (c *FakeClient) Disconnected() <-chan struct{} { return c.done }

// Disconnects counts explicit Disconnect calls on this link
func (c *FakeClient) Disconnects() int { return int(c.disconnects.Load()) }

// FakeCharacteristic records writes and delivers notifications
type FakeCharacteristic struct {
	uuid      string
	responder Responder

	// WriteErr makes every write fail
	WriteErr error

	mu         sync.Mutex
	handler    func([]byte)
	writes     [][]byte
	subscribes int
}

func (ch *FakeCharacteristic) UUID() string { return ch.uuid }

func (ch *FakeCharacteristic) Subscribe(handler func(data []byte)) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handler = handler
	ch.subscribes++
	return nil
}

func (ch *FakeCharacteristic) Unsubscribe() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handler = nil
	return nil
}

func (ch *FakeCharacteristic) Write(data []byte, withResponse bool) error {
	ch.mu.Lock()
	if ch.WriteErr != nil {
		ch.mu.Unlock()
		return &device.AdapterError{Op: "write", Err: ch.WriteErr}
	}
	ch.writes = append(ch.writes, append([]byte(nil), data...))
	responder := ch.responder
	ch.mu.Unlock()

	if responder != nil {
		for _, n := range responder(data) {
			ch.Notify(n)
		}
	}
	return nil
}

// Notify delivers data to the subscribed handler
func (ch *FakeCharacteristic) Notify(data []byte) {
	ch.mu.Lock()
	h := ch.handler
	ch.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// Writes returns a copy of every frame written so far
func (ch *FakeCharacteristic) Writes() [][]byte {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([][]byte, len(ch.writes))
	copy(out, ch.writes)
	return out
}

// Subscribes counts Subscribe calls across all connections
func (ch *FakeCharacteristic) Subscribes() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.subscribes
}

// Subscribed reports whether a handler is registered
func (ch *FakeCharacteristic) Subscribed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.handler != nil
}

func (ch *FakeCharacteristic) reset() {
	ch.mu.Lock()
	ch.handler = nil
	ch.mu.Unlock()
}
