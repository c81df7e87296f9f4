package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/am43/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockBLEDevice overrides the ble.Device methods the adapter uses
type mockBLEDevice struct {
	ble.Device
	mock.Mock

	advs []ble.Advertisement
}

func (m *mockBLEDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	m.Called(allowDup)
	for _, a := range m.advs {
		h(a)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (m *mockBLEDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(a.String())
	if c, ok := args.Get(0).(ble.Client); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockBLEDevice) Stop() error {
	return m.Called().Error(0)
}

type fakeAdv struct {
	ble.Advertisement
	addr     string
	name     string
	services []ble.UUID
}

func (a fakeAdv) Addr() ble.Addr       { return ble.NewAddr(a.addr) }
func (a fakeAdv) LocalName() string    { return a.name }
func (a fakeAdv) Services() []ble.UUID { return a.services }
func (a fakeAdv) RSSI() int            { return -60 }
func (a fakeAdv) Connectable() bool    { return true }

func withFactory(t *testing.T, devs ...ble.Device) *int {
	t.Helper()
	original := DeviceFactory
	calls := 0
	DeviceFactory = func() (ble.Device, error) {
		d := devs[calls%len(devs)]
		calls++
		return d, nil
	}
	t.Cleanup(func() { DeviceFactory = original })
	return &calls
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestAdapterScanFiltersByService(t *testing.T) {
	dev := &mockBLEDevice{advs: []ble.Advertisement{
		fakeAdv{addr: "aa:bb:cc:dd:ee:01", name: "Blind", services: []ble.UUID{ble.UUID16(0xfe50)}},
		fakeAdv{addr: "aa:bb:cc:dd:ee:02", name: "Watch", services: []ble.UUID{ble.UUID16(0x180d)}},
	}}
	dev.On("Scan", false).Return()
	withFactory(t, dev)

	a := NewAdapter(quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var seen []string
	err := a.Scan(ctx, "fe50", func(adv device.Advertisement) {
		seen = append(seen, adv.LocalName())
	})

	require.NoError(t, err, "deadline MUST end the scan without error")
	assert.Equal(t, []string{"Blind"}, seen)
	dev.AssertExpectations(t)
}

func TestAdapterConnectErrors(t *testing.T) {
	dev := &mockBLEDevice{}
	dev.On("Dial", "aa:bb:cc:dd:ee:01").Return(nil, errors.New("device not connected"))
	withFactory(t, dev)

	a := NewAdapter(quietLogger())

	_, err := a.Connect(context.Background(), " ")
	var aerr *device.AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "connect", aerr.Op)

	_, err = a.Connect(context.Background(), "aa:bb:cc:dd:ee:01")
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "aa:bb:cc:dd:ee:01", aerr.Address)
	assert.ErrorIs(t, err, device.ErrNotConnected)
}

func TestAdapterResetRecreatesDevice(t *testing.T) {
	first, second := &mockBLEDevice{}, &mockBLEDevice{}
	first.On("Stop").Return(nil).Once()
	calls := withFactory(t, first, second)

	a := NewAdapter(quietLogger())
	_, err := a.device()
	require.NoError(t, err)

	require.NoError(t, a.Reset())
	assert.Equal(t, 2, *calls, "reset MUST open a fresh radio")

	got, err := a.device()
	require.NoError(t, err)
	assert.Same(t, second, got)
	first.AssertExpectations(t)
}
