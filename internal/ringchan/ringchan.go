// Package ringchan provides a bounded channel with overwrite-oldest semantics.
package ringchan

import (
	"sync/atomic"
	"time"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: if the buffer is full, the oldest element is discarded.
// This makes it safe to feed from callbacks running on foreign goroutines
// (BLE notification handlers, scan handlers).
//
//	rc := ringchan.New[[]byte](1)
//	rc.ForceSend(payload)              // never blocks
//	v, ok := rc.ReceiveTimeout(5 * time.Second)
type RingChannel[T any] struct {
	ch      chan T
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
//
// Reading from the returned channel bypasses the Processed metric.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// ForceSend always succeeds immediately, discarding the oldest element if needed.
// Returns true when an element was dropped to make room.
func (rc *RingChannel[T]) ForceSend(v T) bool {
	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return false
		default:
		}

		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
		default:
		}

		// a concurrent producer may have refilled the slot; loop until ours lands
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.metrics.Written, 1)
			return true
		default:
		}
	}
}

// ReceiveTimeout blocks until a value is available or timeout elapses.
// ok is false on timeout or when the channel is closed.
func (rc *RingChannel[T]) ReceiveTimeout(timeout time.Duration) (v T, ok bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, ok = <-rc.ch:
		if ok {
			atomic.AddInt64(&rc.metrics.Processed, 1)
		}
		return v, ok
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// Drain discards everything currently buffered and returns the number of dropped elements.
func (rc *RingChannel[T]) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-rc.ch:
			if !ok {
				return n
			}
			n++
			atomic.AddInt64(&rc.metrics.Overwritten, 1)
		default:
			return n
		}
	}
}

// Metrics returns a snapshot of the counters.
func (rc *RingChannel[T]) Metrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&rc.metrics.Processed),
		Written:     atomic.LoadInt64(&rc.metrics.Written),
		Overwritten: atomic.LoadInt64(&rc.metrics.Overwritten),
	}
}

// Metrics provides lock-free counters for a RingChannel.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
}
