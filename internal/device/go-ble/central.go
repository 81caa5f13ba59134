package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/device"
	"github.com/srg/blesense/internal/ringchan"
)

const (
	// DefaultEventBuffer is the capacity of the lifecycle event ring
	DefaultEventBuffer = 1024

	// DefaultConnectTimeout bounds a single Dial attempt
	DefaultConnectTimeout = 10 * time.Second
)

// DeviceFactory creates the platform ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking as goble.DeviceFactory
var DeviceFactory = newPlatformDevice

// CentralOptions configures scanning and connecting
type CentralOptions struct {
	// NameFilter, when non-empty, admits only advertisements whose local name contains it
	NameFilter     string
	ConnectTimeout time.Duration
}

// Central implements device.Central on top of a go-ble device
type Central struct {
	dev         ble.Device
	opts        CentralOptions
	logger      *logrus.Logger
	peripherals *hashmap.Map[string, *Peripheral]
	events      *ringchan.RingChannel[device.Event]
}

// NewCentral creates a Central for an already opened go-ble device
func NewCentral(dev ble.Device, opts *CentralOptions, logger *logrus.Logger) *Central {
	if logger == nil {
		logger = logrus.New()
	}
	o := CentralOptions{ConnectTimeout: DefaultConnectTimeout}
	if opts != nil {
		o = *opts
		if o.ConnectTimeout <= 0 {
			o.ConnectTimeout = DefaultConnectTimeout
		}
	}

	return &Central{
		dev:         dev,
		opts:        o,
		logger:      logger,
		peripherals: hashmap.New[string, *Peripheral](),
		events:      ringchan.New[device.Event](DefaultEventBuffer),
	}
}

// OpenCentral opens the platform adapter and wraps it in a Central
func OpenCentral(deviceID int, opts *CentralOptions, logger *logrus.Logger) (*Central, error) {
	dev, err := DeviceFactory(deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", device.NormalizeError(err))
	}
	return NewCentral(dev, opts, logger), nil
}

// Scan runs until ctx is done. Cancellation is not reported as an error.
func (c *Central) Scan(ctx context.Context) error {
	c.logger.WithField("name_filter", c.opts.NameFilter).Info("Starting BLE scan...")

	// duplicates are filtered here rather than by the controller so that an address
	// released after a remote disconnect is reported again
	err := c.dev.Scan(ctx, true, c.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("scan failed: %w", device.NormalizeError(err))
	}

	c.logger.WithField("known_devices", c.peripherals.Len()).Info("BLE scan stopped")
	return nil
}

// Events returns the lifecycle event stream
func (c *Central) Events() <-chan device.Event {
	return c.events.C()
}

// Peripheral returns a peripheral reported by a discovery event
func (c *Central) Peripheral(address string) (device.Peripheral, bool) {
	p, ok := c.peripherals.Get(normalizeAddress(address))
	if !ok {
		return nil, false
	}
	return p, true
}

// Attach returns the peripheral for address, registering it without waiting for an advertisement.
// No discovery event is emitted.
func (c *Central) Attach(address string) device.Peripheral {
	addr := normalizeAddress(address)
	p, _ := c.peripherals.GetOrInsert(addr, newPeripheral(c, addr, ""))
	return p
}

// Close stops the underlying adapter
func (c *Central) Close() error {
	m := c.events.Metrics()
	c.logger.WithFields(logrus.Fields{
		"events":  m.Written,
		"dropped": m.Overwritten,
	}).Debug("Closing BLE adapter")
	return device.NormalizeError(c.dev.Stop())
}

// handleAdvertisement registers new devices and emits discovery events
func (c *Central) handleAdvertisement(adv ble.Advertisement) {
	addr := normalizeAddress(adv.Addr().String())

	if _, known := c.peripherals.Get(addr); known {
		return
	}
	if !c.accept(adv) {
		return
	}

	p, loaded := c.peripherals.GetOrInsert(addr, newPeripheral(c, addr, adv.LocalName()))
	if loaded {
		return
	}

	c.logger.WithFields(logrus.Fields{
		"address": addr,
		"name":    p.Name(),
		"rssi":    adv.RSSI(),
	}).Info("Discovered new device")

	c.emit(device.Event{Type: device.EventDiscovered, Address: addr})
}

// accept applies the name filter; non-connectable devices are never admitted
func (c *Central) accept(adv ble.Advertisement) bool {
	if !adv.Connectable() {
		return false
	}
	if c.opts.NameFilter == "" {
		return true
	}
	return strings.Contains(adv.LocalName(), c.opts.NameFilter)
}

// forget drops a peripheral after a remote disconnect so that it can be rediscovered.
// The event goes out while the address is still known, so an advertisement racing with
// forget cannot report Discovered ahead of Disconnected.
func (c *Central) forget(addr string) {
	c.emit(device.Event{Type: device.EventDisconnected, Address: addr})
	c.peripherals.Del(addr)
}

func (c *Central) emit(ev device.Event) {
	if dropped := c.events.ForceSend(ev); dropped {
		c.logger.WithFields(logrus.Fields{
			"address": ev.Address,
			"event":   ev.Type.String(),
		}).Warn("Event buffer full, oldest lifecycle event dropped")
	}
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
