// Package registry tracks the lifecycle of every known peripheral: pending inspection,
// active session, online status. It owns the retry and reclassification policy.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/alpha"
	"github.com/srg/blesense/internal/device"
	"github.com/srg/blesense/internal/sensor"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Session is a handshaken sensor owned by the registry while active
type Session interface {
	Poll() (alpha.Measurement, error)
	Sensor() sensor.Sensor
	Peripheral() device.Peripheral
	Close()
}

// ProbeFunc inspects a peripheral and performs the handshake.
// On false the peripheral must already be disconnected.
type ProbeFunc func(ctx context.Context, p device.Peripheral) (Session, bool)

// ReadingSink receives the readings of every successful poll
type ReadingSink interface {
	Record(ctx context.Context, s sensor.Sensor, readings []sensor.TimestampedReading) error
}

// AlphaProbe adapts alpha.Probe to a ProbeFunc
func AlphaProbe(opts *alpha.SessionOptions, logger *logrus.Logger) ProbeFunc {
	return func(ctx context.Context, p device.Peripheral) (Session, bool) {
		s, ok := alpha.Probe(ctx, p, opts, logger)
		if !ok {
			return nil, false
		}
		return s, true
	}
}

// Option configures a Registry
type Option func(*Registry)

// WithClock overrides the reading timestamp source
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry holds the pending queue, the active session set and the online set.
//
// Each set has its own lock. Admission, reclassification and disconnect take
// activeMu then onlineMu so readers of the online set never observe one without the other.
type Registry struct {
	probe  ProbeFunc
	sink   ReadingSink
	logger *logrus.Logger
	now    func() time.Time

	queueMu sync.Mutex
	queue   []device.Peripheral

	activeMu sync.Mutex
	active   *orderedmap.OrderedMap[string, Session]

	onlineMu sync.RWMutex
	online   map[string]sensor.Sensor
}

// New creates a Registry. sink may be nil, in which case readings are only logged.
func New(probe ProbeFunc, sink ReadingSink, logger *logrus.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	r := &Registry{
		probe:  probe,
		sink:   sink,
		logger: logger,
		now:    time.Now,
		active: orderedmap.New[string, Session](),
		online: make(map[string]sensor.Sensor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnDiscovered queues p for inspection
func (r *Registry) OnDiscovered(p device.Peripheral) {
	r.queueMu.Lock()
	r.queue = append(r.queue, p)
	n := len(r.queue)
	r.queueMu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"address": p.Address(),
		"name":    p.Name(),
		"pending": n,
	}).Info("Peripheral queued for inspection")
}

// OnDisconnect drops every trace of address. Calling it again is a no-op.
func (r *Registry) OnDisconnect(address string) {
	dequeued := r.dequeue(address)

	r.activeMu.Lock()
	r.onlineMu.Lock()
	sess, wasActive := r.active.Delete(address)
	if wasActive {
		key := sess.Sensor().Key()
		if _, online := r.online[key]; !online {
			r.logger.WithField("address", address).Warn("Disconnected sensor was not tracked online")
		}
		delete(r.online, key)
	}
	r.onlineMu.Unlock()
	r.activeMu.Unlock()

	if wasActive {
		sess.Close()
	}

	if wasActive || dequeued > 0 {
		r.logger.WithFields(logrus.Fields{
			"address":  address,
			"active":   wasActive,
			"dequeued": dequeued,
		}).Info("Peripheral removed after disconnect")
	}
}

func (r *Registry) dequeue(address string) int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	kept := r.queue[:0]
	for _, p := range r.queue {
		if p.Address() != address {
			kept = append(kept, p)
		}
	}
	removed := len(r.queue) - len(kept)
	for i := len(kept); i < len(r.queue); i++ {
		r.queue[i] = nil
	}
	r.queue = kept
	return removed
}

func (r *Registry) pop() (device.Peripheral, bool) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	n := len(r.queue)
	if n == 0 {
		return nil, false
	}
	p := r.queue[n-1]
	r.queue[n-1] = nil
	r.queue = r.queue[:n-1]
	return p, true
}

// PopAndInspect inspects the most recently discovered pending peripheral.
// It reports whether a session was admitted.
func (r *Registry) PopAndInspect(ctx context.Context) bool {
	p, ok := r.pop()
	if !ok {
		return false
	}

	log := r.logger.WithField("address", p.Address())
	sess, ok := r.probe(ctx, p)
	if !ok {
		log.Info("Inspection failed, peripheral discarded")
		return false
	}

	s := sess.Sensor()

	r.activeMu.Lock()
	r.onlineMu.Lock()
	prev, replaced := r.active.Set(s.Key(), sess)
	r.online[s.Key()] = s
	r.onlineMu.Unlock()
	r.activeMu.Unlock()

	if replaced && prev != sess {
		prev.Close()
	}

	log.WithField("sensor", s.String()).Info("Sensor online")
	return true
}

// PollAll polls every active session in admission order.
// A send failure sends the peripheral back for re-inspection; other protocol errors are
// logged and the session stays active. A sink error fails that sensor's poll only: the
// sweep goes on and all sink errors are returned joined.
func (r *Registry) PollAll(ctx context.Context) error {
	sessions := r.snapshot()
	r.logger.WithField("sessions", len(sessions)).Debug("Poll sweep started")

	var errs []error
	for _, sess := range sessions {
		if err := ctx.Err(); err != nil {
			return err
		}

		s := sess.Sensor()
		log := r.logger.WithField("address", s.Address)

		m, err := sess.Poll()
		switch {
		case errors.Is(err, alpha.ErrSendFailed):
			log.WithError(err).Warn("Poll send failed, re-queueing for inspection")
			r.reclassify(s.Key(), sess)
			continue
		case err != nil:
			log.WithError(err).Warn("Poll failed")
			continue
		}

		log.WithFields(logrus.Fields{
			"temperature": m.Temperature,
			"humidity":    m.Humidity,
		}).Info("Sensor polled")

		if r.sink == nil {
			continue
		}
		if err := r.sink.Record(ctx, s, m.Readings(r.now())); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.WithError(err).Error("Failed to record readings")
			errs = append(errs, fmt.Errorf("failed to record readings of %s: %w", s.Address, err))
		}
	}
	return errors.Join(errs...)
}

// reclassify moves an active session back to the pending queue
func (r *Registry) reclassify(key string, sess Session) {
	r.activeMu.Lock()
	r.onlineMu.Lock()
	current, ok := r.active.Get(key)
	owned := ok && current == sess
	if owned {
		r.active.Delete(key)
		delete(r.online, key)
	}
	r.onlineMu.Unlock()
	r.activeMu.Unlock()

	if !owned {
		return
	}
	sess.Close()

	p := sess.Peripheral()
	r.queueMu.Lock()
	r.queue = append(r.queue, p)
	r.queueMu.Unlock()
}

func (r *Registry) snapshot() []Session {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()

	out := make([]Session, 0, r.active.Len())
	for pair := r.active.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Status reports whether s currently has an active session
func (r *Registry) Status(s sensor.Sensor) sensor.Status {
	return r.StatusByAddress(s.Key())
}

func (r *Registry) StatusByAddress(address string) sensor.Status {
	r.onlineMu.RLock()
	defer r.onlineMu.RUnlock()
	if _, ok := r.online[address]; ok {
		return sensor.Online
	}
	return sensor.Offline
}

// OnlineSensors returns the online sensors ordered by address
func (r *Registry) OnlineSensors() []sensor.Sensor {
	r.onlineMu.RLock()
	out := make([]sensor.Sensor, 0, len(r.online))
	for _, s := range r.online {
		out = append(out, s)
	}
	r.onlineMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Pending returns queued addresses, oldest first
func (r *Registry) Pending() []string {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()

	out := make([]string, len(r.queue))
	for i, p := range r.queue {
		out[i] = p.Address()
	}
	return out
}

// Active returns active addresses in admission order
func (r *Registry) Active() []string {
	r.activeMu.Lock()
	defer r.activeMu.Unlock()

	out := make([]string, 0, r.active.Len())
	for pair := r.active.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Shutdown closes every active session and clears all sets
func (r *Registry) Shutdown() {
	r.activeMu.Lock()
	r.onlineMu.Lock()
	sessions := make([]Session, 0, r.active.Len())
	for pair := r.active.Oldest(); pair != nil; pair = pair.Next() {
		sessions = append(sessions, pair.Value)
	}
	r.active = orderedmap.New[string, Session]()
	r.online = make(map[string]sensor.Sensor)
	r.onlineMu.Unlock()
	r.activeMu.Unlock()

	r.queueMu.Lock()
	r.queue = nil
	r.queueMu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	r.logger.WithField("sessions", len(sessions)).Info("Registry shut down")
}
