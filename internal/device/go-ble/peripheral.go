package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/device"
	"github.com/srg/blesense/internal/groutine"
)

// link is a single live GATT connection
type link struct {
	client ble.Client
	// local is set when the disconnect was requested by us
	local atomic.Bool
}

// Peripheral implements device.Peripheral for a go-ble device address
type Peripheral struct {
	central *Central
	address string
	name    string
	logger  *logrus.Logger

	connMutex  sync.Mutex
	writeMutex sync.Mutex
	link       *link
}

func newPeripheral(c *Central, address, name string) *Peripheral {
	return &Peripheral{
		central: c,
		address: address,
		name:    name,
		logger:  c.logger,
	}
}

func (p *Peripheral) Address() string { return p.address }

func (p *Peripheral) Name() string { return p.name }

// Connect dials the peripheral. Calling Connect on a connected peripheral returns ErrAlreadyConnected.
func (p *Peripheral) Connect(ctx context.Context) error {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()

	if p.link != nil {
		return device.ErrAlreadyConnected
	}

	p.logger.WithFields(logrus.Fields{
		"address": p.address,
		"timeout": p.central.opts.ConnectTimeout,
	}).Debug("Dialing BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, p.central.opts.ConnectTimeout)
	defer cancel()

	client, err := p.central.dev.Dial(connCtx, ble.NewAddr(p.address))
	if err != nil {
		p.logger.WithFields(logrus.Fields{
			"address": p.address,
			"error":   err,
		}).Warn("Failed to dial BLE device")
		return fmt.Errorf("failed to connect to device with address \"%s\": %w", p.address, device.NormalizeError(err))
	}

	l := &link{client: client}
	p.link = l

	groutine.Go(context.Background(), "ble-connection-monitor", func(_ context.Context) {
		<-client.Disconnected()
		p.onLinkClosed(l)
	})

	p.logger.WithField("address", p.address).Info("BLE device connected")
	return nil
}

// onLinkClosed runs once the go-ble client reports the connection gone
func (p *Peripheral) onLinkClosed(l *link) {
	p.connMutex.Lock()
	if p.link == l {
		p.link = nil
	}
	p.connMutex.Unlock()

	if l.local.Load() {
		p.logger.WithField("address", p.address).Debug("Local disconnect completed")
		return
	}

	p.logger.WithField("address", p.address).Warn("Peripheral disconnected")
	p.central.forget(p.address)
}

// Disconnect tears down the connection. It is a no-op when not connected.
func (p *Peripheral) Disconnect() error {
	p.connMutex.Lock()
	l := p.link
	p.link = nil
	p.connMutex.Unlock()

	if l == nil {
		p.logger.WithField("address", p.address).Debug("Disconnect called but already disconnected")
		return nil
	}

	l.local.Store(true)

	p.logger.WithField("address", p.address).Info("Disconnecting BLE device...")
	if err := l.client.ClearSubscriptions(); err != nil {
		p.logger.WithFields(logrus.Fields{
			"address": p.address,
			"error":   err,
		}).Debug("Failed to clear subscriptions during disconnect")
	}
	if err := l.client.CancelConnection(); err != nil {
		return fmt.Errorf("failed to disconnect: %w", device.NormalizeError(err))
	}
	return nil
}

func (p *Peripheral) client() (ble.Client, error) {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()
	if p.link == nil {
		return nil, device.ErrNotConnected
	}
	return p.link.client, nil
}

// DiscoverCharacteristics discovers the full GATT profile and flattens it into characteristics
func (p *Peripheral) DiscoverCharacteristics() ([]device.Characteristic, error) {
	client, err := p.client()
	if err != nil {
		return nil, err
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		return nil, fmt.Errorf("failed to discover profile: %w", device.NormalizeError(err))
	}

	var chars []device.Characteristic
	for _, svc := range profile.Services {
		for _, c := range svc.Characteristics {
			chars = append(chars, newCharacteristic(c))
		}
	}

	p.logger.WithFields(logrus.Fields{
		"address":         p.address,
		"services":        len(profile.Services),
		"characteristics": len(chars),
	}).Debug("Profile discovered")

	return chars, nil
}

// Command writes data to the characteristic
func (p *Peripheral) Command(char device.Characteristic, data []byte) error {
	c, err := p.resolve(char)
	if err != nil {
		return err
	}
	client, err := p.client()
	if err != nil {
		return err
	}

	p.writeMutex.Lock()
	defer p.writeMutex.Unlock()

	if err := client.WriteCharacteristic(c.BLEChar, data, c.writeNoResponse()); err != nil {
		return fmt.Errorf("write to %s failed: %w", c.UUID(), device.NormalizeError(err))
	}
	return nil
}

// Subscribe enables notifications (or indications when notify is unsupported) for the characteristic.
// The handler receives a private copy of each value.
func (p *Peripheral) Subscribe(char device.Characteristic, handler device.NotificationHandler) error {
	c, err := p.resolve(char)
	if err != nil {
		return err
	}
	if !c.CanNotify() {
		return fmt.Errorf("characteristic %s: notifications %w", c.UUID(), device.ErrUnsupported)
	}
	client, err := p.client()
	if err != nil {
		return err
	}

	uuid := c.UUID()
	err = client.Subscribe(c.BLEChar, c.useIndication(), func(data []byte) {
		value := make([]byte, len(data))
		copy(value, data)
		handler(device.Notification{UUID: uuid, Value: value})
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s failed: %w", uuid, device.NormalizeError(err))
	}
	return nil
}

func (p *Peripheral) resolve(char device.Characteristic) (*BLECharacteristic, error) {
	c, ok := char.(*BLECharacteristic)
	if !ok || c == nil || c.BLEChar == nil {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuidOf(char)}}
	}
	return c, nil
}

func uuidOf(char device.Characteristic) string {
	if char == nil {
		return ""
	}
	return char.UUID()
}
