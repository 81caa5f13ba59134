// Package recorder persists poll results and forwards them to an optional publisher.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/sensor"
	"github.com/srg/blesense/internal/storage"
)

// Publisher receives readings once they are stored
type Publisher interface {
	Publish(ctx context.Context, s sensor.Sensor, readings []sensor.TimestampedReading) error
}

// Options configures retry behaviour
type Options struct {
	RetryBackoff time.Duration `yaml:"retry_backoff" default:"1s"`
}

// Recorder writes readings into a storage.Store, retrying while the store is busy
type Recorder struct {
	store     storage.Store
	publisher Publisher
	opts      Options
	logger    *logrus.Logger
	handles   *hashmap.Map[string, storage.Handle]

	// sleep waits for d or until ctx is done
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Recorder
type Option func(*Recorder)

// WithPublisher forwards stored readings to p
func WithPublisher(p Publisher) Option {
	return func(r *Recorder) { r.publisher = p }
}

// WithSleep overrides the backoff wait
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Recorder) { r.sleep = sleep }
}

func New(store storage.Store, opts *Options, logger *logrus.Logger, options ...Option) *Recorder {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = &Options{}
	}
	o := *opts
	defaults.SetDefaults(&o)

	r := &Recorder{
		store:   store,
		opts:    o,
		logger:  logger,
		handles: hashmap.New[string, storage.Handle](),
		sleep:   sleepContext,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Record stores every reading of s. Busy storage is retried until it succeeds or ctx is done.
func (r *Recorder) Record(ctx context.Context, s sensor.Sensor, readings []sensor.TimestampedReading) error {
	h, err := r.handle(ctx, s)
	if err != nil {
		return err
	}

	for _, rd := range readings {
		rd := rd
		err := r.retry(ctx, "add reading", s, func() error {
			return r.store.AddReading(ctx, h, rd.Timestamp, rd.Reading)
		})
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// the row vanished under us; resolve again next time
				r.handles.Del(s.Key())
			}
			return fmt.Errorf("failed to store %s reading: %w", rd.Kind, err)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"address":  s.Address,
		"readings": len(readings),
	}).Debug("Readings stored")

	if r.publisher != nil && len(readings) > 0 {
		if err := r.publisher.Publish(ctx, s, readings); err != nil {
			r.logger.WithFields(logrus.Fields{
				"address": s.Address,
				"error":   err,
			}).Warn("Failed to publish readings")
		}
	}
	return nil
}

// handle returns the cached storage handle for s, creating the sensor row on first use
func (r *Recorder) handle(ctx context.Context, s sensor.Sensor) (storage.Handle, error) {
	if h, ok := r.handles.Get(s.Key()); ok {
		return h, nil
	}

	var created bool
	err := r.retry(ctx, "create sensor", s, func() error {
		var err error
		created, err = r.store.CreateSensorIfNotExists(ctx, s)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create sensor %s: %w", s.Address, err)
	}
	if created {
		r.logger.WithFields(logrus.Fields{
			"address": s.Address,
			"name":    s.Name,
		}).Info("New sensor stored")
	}

	var h storage.Handle
	err = r.retry(ctx, "get sensor handle", s, func() error {
		var err error
		h, err = r.store.GetSensorHandle(ctx, s)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to resolve sensor %s: %w", s.Address, err)
	}

	h, _ = r.handles.GetOrInsert(s.Key(), h)
	return h, nil
}

func (r *Recorder) retry(ctx context.Context, op string, s sensor.Sensor, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !errors.Is(err, storage.ErrBusy) {
			return err
		}

		r.logger.WithFields(logrus.Fields{
			"address": s.Address,
			"op":      op,
			"attempt": attempt,
			"backoff": r.opts.RetryBackoff,
		}).Warn("Storage busy, retrying")

		if err := r.sleep(ctx, r.opts.RetryBackoff); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
