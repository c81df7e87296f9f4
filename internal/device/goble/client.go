package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/am43/internal/device"
)

// BLEClient implements device.Client over a dialed ble.Client
type BLEClient struct {
	client  ble.Client
	address string
	logger  *logrus.Logger

	once sync.Once
	done chan struct{}
}

func newClient(client ble.Client, address string, logger *logrus.Logger) *BLEClient {
	c := &BLEClient{
		client:  client,
		address: address,
		logger:  logger,
		done:    make(chan struct{}),
	}

	// Not every backend exposes the Disconnected() channel
	if dc, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
		go func() {
			<-dc.Disconnected()
			c.markDisconnected()
		}()
	} else {
		logger.Debug("Client does not support Disconnected() channel")
	}
	return c
}

func (c *BLEClient) markDisconnected() {
	c.once.Do(func() { close(c.done) })
}

func (c *BLEClient) Address() string { return c.address }

func (c *BLEClient) Disconnected() <-chan struct{} { return c.done }

// DiscoverCharacteristic resolves one service/characteristic pair and its CCCD
func (c *BLEClient) DiscoverCharacteristic(ctx context.Context, serviceUUID, charUUID string) (device.Characteristic, error) {
	svcID, err := ble.Parse(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid service UUID %q: %w", serviceUUID, err)
	}
	charID, err := ble.Parse(charUUID)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", charUUID, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	services, err := c.client.DiscoverServices([]ble.UUID{svcID})
	if err != nil {
		return nil, &device.AdapterError{Op: "discover", Address: c.address, Err: NormalizeError(err)}
	}

	for _, svc := range services {
		if !svc.UUID.Equal(svcID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chars, err := c.client.DiscoverCharacteristics([]ble.UUID{charID}, svc)
		if err != nil {
			return nil, &device.AdapterError{Op: "discover", Address: c.address, Err: NormalizeError(err)}
		}
		for _, ch := range chars {
			if !ch.UUID.Equal(charID) {
				continue
			}
			// Subscribe needs the CCCD on Linux
			if _, err := c.client.DiscoverDescriptors(nil, ch); err != nil {
				c.logger.WithFields(logrus.Fields{
					"address":   c.address,
					"char_uuid": charUUID,
					"error":     err,
				}).Warn("Failed to discover descriptors")
			}
			return &BLECharacteristic{client: c, char: ch, uuid: device.NormalizeUUID(charUUID)}, nil
		}
		return nil, &device.NotFoundError{Resource: "characteristic", IDs: []string{serviceUUID, charUUID}}
	}
	return nil, &device.NotFoundError{Resource: "service", IDs: []string{serviceUUID}}
}

// Disconnect cancels the link; the Disconnected channel closes either way
func (c *BLEClient) Disconnect() error {
	defer c.markDisconnected()
	if err := c.client.CancelConnection(); err != nil {
		return &device.AdapterError{Op: "disconnect", Address: c.address, Err: NormalizeError(err)}
	}
	return nil
}

// BLECharacteristic implements device.Characteristic
type BLECharacteristic struct {
	client *BLEClient
	char   *ble.Characteristic
	uuid   string

	writeMutex sync.Mutex
}

func (ch *BLECharacteristic) UUID() string { return ch.uuid }

func (ch *BLECharacteristic) Subscribe(handler func(data []byte)) error {
	err := ch.client.client.Subscribe(ch.char, false, func(data []byte) {
		// go-ble reuses the buffer
		cp := make([]byte, len(data))
		copy(cp, data)
		handler(cp)
	})
	if err != nil {
		return &device.AdapterError{Op: "subscribe", Address: ch.client.address, Err: NormalizeError(err)}
	}
	return nil
}

func (ch *BLECharacteristic) Unsubscribe() error {
	if err := ch.client.client.Unsubscribe(ch.char, false); err != nil {
		return &device.AdapterError{Op: "unsubscribe", Address: ch.client.address, Err: NormalizeError(err)}
	}
	return nil
}

func (ch *BLECharacteristic) Write(data []byte, withResponse bool) error {
	ch.writeMutex.Lock()
	defer ch.writeMutex.Unlock()

	if err := ch.client.client.WriteCharacteristic(ch.char, data, !withResponse); err != nil {
		return &device.AdapterError{Op: "write", Address: ch.client.address, Err: NormalizeError(err)}
	}
	return nil
}
