// Package sensor holds the protocol-independent domain model: sensors, readings and online status.
package sensor

import (
	"encoding/json"
	"fmt"
	"time"
)

// Family is the closed set of supported sensor protocol families
type Family string

const (
	FamilyAlpha Family = "Alpha"
)

// ParseFamily validates a stored family name
func ParseFamily(s string) (Family, error) {
	switch Family(s) {
	case FamilyAlpha:
		return FamilyAlpha, nil
	default:
		return "", fmt.Errorf("unknown sensor family %q", s)
	}
}

// Sensor is the persistable identity of a sensor.
// Identity is the address; Name is display-only and may be empty.
type Sensor struct {
	Family  Family `json:"family"`
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Key returns the canonical identity used by every lookup
func (s Sensor) Key() string {
	return s.Address
}

// Same reports whether both values denote the same physical sensor
func (s Sensor) Same(other Sensor) bool {
	return s.Key() == other.Key()
}

func (s Sensor) String() string {
	if s.Name == "" {
		return fmt.Sprintf("%s(%s)", s.Family, s.Address)
	}
	return fmt.Sprintf("%s(%s %q)", s.Family, s.Address, s.Name)
}

// Kind tags a reading value
type Kind string

const (
	KindTemperature Kind = "T"
	KindHumidity    Kind = "H"
)

// ParseKind accepts the single-letter kind codes
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindTemperature, KindHumidity:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown reading kind %q", s)
	}
}

// Reading is a single measured value. Temperature fits int8, humidity is 0-100.
type Reading struct {
	Kind  Kind
	Value int
}

// Temperature builds a temperature reading in degrees Celsius
func Temperature(celsius int8) Reading {
	return Reading{Kind: KindTemperature, Value: int(celsius)}
}

// Humidity builds a relative humidity reading in percent
func Humidity(percent uint8) Reading {
	return Reading{Kind: KindHumidity, Value: int(percent)}
}

// Validate checks the value range for the reading kind
func (r Reading) Validate() error {
	switch r.Kind {
	case KindTemperature:
		if r.Value < -128 || r.Value > 127 {
			return fmt.Errorf("temperature %d out of range", r.Value)
		}
	case KindHumidity:
		if r.Value < 0 || r.Value > 100 {
			return fmt.Errorf("humidity %d out of range", r.Value)
		}
	default:
		return fmt.Errorf("unknown reading kind %q", r.Kind)
	}
	return nil
}

// TimestampedReading is an immutable stored reading
type TimestampedReading struct {
	Timestamp time.Time
	Reading
}

// MarshalJSON renders {"timestamp","kind","value"}
func (r TimestampedReading) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Timestamp time.Time `json:"timestamp"`
		Kind      Kind      `json:"kind"`
		Value     int       `json:"value"`
	}{r.Timestamp.UTC(), r.Kind, r.Value})
}

// Status is derived from registry membership, never stored
type Status string

const (
	Online  Status = "Online"
	Offline Status = "Offline"
)
