// Package storage persists sensors and their readings.
//
// Errors are *Error values classified by Kind; match them with errors.Is against
// ErrBusy, ErrNotFound, ErrConflict or ErrOther.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/srg/blesense/internal/sensor"
)

// Handle identifies a stored sensor
type Handle int64

// Kind classifies storage failures
type Kind string

const (
	Busy     Kind = "busy"
	NotFound Kind = "not found"
	Conflict Kind = "conflict"
	Other    Kind = "other"
)

// Error is a classified storage failure
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return "storage: " + string(e.Kind)
	}
	return fmt.Sprintf("storage: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

var (
	ErrBusy     = &Error{Kind: Busy}
	ErrNotFound = &Error{Kind: NotFound}
	ErrConflict = &Error{Kind: Conflict}
	ErrOther    = &Error{Kind: Other}
)

// KindOf returns the Kind of err, Other for unclassified errors and "" for nil
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Other
}

// SensorRecord is a stored sensor with its handle
type SensorRecord struct {
	Handle Handle `json:"id"`
	sensor.Sensor
}

// Store is the persistence contract used by the recorder and the HTTP surface.
// Sensors are identified by address.
type Store interface {
	// CreateSensorIfNotExists reports whether a new row was created
	CreateSensorIfNotExists(ctx context.Context, s sensor.Sensor) (bool, error)
	GetSensorHandle(ctx context.Context, s sensor.Sensor) (Handle, error)
	GetSensorByAddress(ctx context.Context, address string) (Handle, error)
	GetSensorByHandle(ctx context.Context, h Handle) (sensor.Sensor, error)
	GetSensors(ctx context.Context) ([]SensorRecord, error)

	AddReading(ctx context.Context, h Handle, ts time.Time, r sensor.Reading) error
	GetReadings(ctx context.Context, h Handle) ([]sensor.TimestampedReading, error)
	// GetReadingsAfter returns readings strictly after ts, oldest first
	GetReadingsAfter(ctx context.Context, h Handle, ts time.Time) ([]sensor.TimestampedReading, error)
	GetLatestReading(ctx context.Context, h Handle, kind sensor.Kind) (sensor.TimestampedReading, error)

	Close() error
}
