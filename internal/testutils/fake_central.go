package testutils

import (
	"context"
	"sync"

	"github.com/srg/blesense/internal/device"
)

// FakeCentral is an in-memory device.Central driven by the test
type FakeCentral struct {
	mu          sync.Mutex
	peripherals map[string]device.Peripheral
	events      chan device.Event
}

func NewFakeCentral() *FakeCentral {
	return &FakeCentral{
		peripherals: make(map[string]device.Peripheral),
		events:      make(chan device.Event, 64),
	}
}

// Scan blocks until ctx is done
func (c *FakeCentral) Scan(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (c *FakeCentral) Events() <-chan device.Event {
	return c.events
}

func (c *FakeCentral) Peripheral(address string) (device.Peripheral, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.peripherals[address]
	return p, ok
}

// Discover registers p and emits a discovery event
func (c *FakeCentral) Discover(p device.Peripheral) {
	c.mu.Lock()
	c.peripherals[p.Address()] = p
	c.mu.Unlock()
	c.events <- device.Event{Type: device.EventDiscovered, Address: p.Address()}
}

// Lose forgets address and emits a disconnect event
func (c *FakeCentral) Lose(address string) {
	c.mu.Lock()
	delete(c.peripherals, address)
	c.mu.Unlock()
	c.events <- device.Event{Type: device.EventDisconnected, Address: address}
}

// Emit sends a raw event without touching the peripheral index
func (c *FakeCentral) Emit(ev device.Event) {
	c.events <- ev
}

// NewWeatherSensor returns a peripheral that passes inspection and the hello handshake
// and answers every poll with the given temperature and humidity.
func NewWeatherSensor(address string, temperature int8, humidity uint8) *FakePeripheral {
	return NewFakePeripheral(address).
		WithName("Weather").
		WithCharacteristics("180a", "ffe1").
		RespondAlways(0x10, []byte{0x00, 0xF0, 0x14, 0x4D}).
		RespondAlways(0x66, []byte{0x00, byte(temperature), humidity, 0x00})
}
