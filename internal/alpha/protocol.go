// Package alpha implements the Alpha weather-sensor protocol: a single characteristic
// used both for one-byte commands and for 4-byte notification responses.
//
// A peripheral becomes a Session after Inspect finds the characteristic and the
// hello handshake succeeds. Session.Poll then returns one Measurement per call.
package alpha

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/srg/blesense/internal/device"
	"github.com/srg/blesense/internal/sensor"
)

// CharacteristicUUID carries both commands and responses
var CharacteristicUUID = device.UUID16(0xFFE1)

const (
	CmdHello byte = 0x10
	CmdPoll  byte = 0x66

	// statusOK is the first byte of a successful poll response
	statusOK byte = 0x00

	responseLen = 4
)

// helloResponse is the only accepted answer to CmdHello
var helloResponse = []byte{0x00, 0xF0, 0x14, 0x4D}

var (
	ErrUnexpectedResponse = errors.New("unexpected response")
	ErrSensorError        = errors.New("sensor reported an error")
	ErrTimeout            = errors.New("response timeout")
	ErrSendFailed         = errors.New("command send failed")
)

// Measurement is one decoded poll response
type Measurement struct {
	Temperature int8
	Humidity    uint8
}

// Readings splits a measurement into stored readings sharing ts
func (m Measurement) Readings(ts time.Time) []sensor.TimestampedReading {
	ts = ts.UTC()
	return []sensor.TimestampedReading{
		{Timestamp: ts, Reading: sensor.Temperature(m.Temperature)},
		{Timestamp: ts, Reading: sensor.Humidity(m.Humidity)},
	}
}

// Decode parses a poll response. data[3] is reserved and ignored.
func Decode(data []byte) (Measurement, error) {
	if len(data) != responseLen {
		return Measurement{}, fmt.Errorf("%w: got %d bytes, want %d", ErrUnexpectedResponse, len(data), responseLen)
	}
	if data[0] != statusOK {
		return Measurement{}, fmt.Errorf("%w: status 0x%02x", ErrSensorError, data[0])
	}
	return Measurement{
		Temperature: int8(data[1]),
		Humidity:    data[2],
	}, nil
}

// IsHello reports whether data is the exact hello response
func IsHello(data []byte) bool {
	return bytes.Equal(data, helloResponse)
}
