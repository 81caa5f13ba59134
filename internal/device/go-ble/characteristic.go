package goble

import (
	"github.com/go-ble/ble"
	"github.com/srg/blesense/internal/device"
)

// BLECharacteristic wraps a discovered go-ble characteristic handle
type BLECharacteristic struct {
	uuid    string
	BLEChar *ble.Characteristic
}

func newCharacteristic(c *ble.Characteristic) *BLECharacteristic {
	return &BLECharacteristic{
		uuid:    device.NormalizeUUID(c.UUID.String()),
		BLEChar: c,
	}
}

// UUID returns the normalized characteristic UUID
func (c *BLECharacteristic) UUID() string {
	return c.uuid
}

// CanNotify reports whether the characteristic supports notifications or indications
func (c *BLECharacteristic) CanNotify() bool {
	return c.BLEChar.Property&(ble.CharNotify|ble.CharIndicate) != 0
}

// useIndication reports whether subscribing requires indications (no plain notify support)
func (c *BLECharacteristic) useIndication() bool {
	return c.BLEChar.Property&ble.CharNotify == 0 && c.BLEChar.Property&ble.CharIndicate != 0
}

// writeNoResponse reports whether commands can be sent as write-without-response.
// Characteristics exposing neither write property are still attempted without response.
func (c *BLECharacteristic) writeNoResponse() bool {
	if c.BLEChar.Property&ble.CharWriteNR != 0 {
		return true
	}
	return c.BLEChar.Property&ble.CharWrite == 0
}
