// Package scheduler runs the single cooperative loop that feeds lifecycle events to the
// registry and paces inspection and polling.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/device"
)

// Lifecycle is the registry surface driven by the loop
type Lifecycle interface {
	OnDiscovered(p device.Peripheral)
	OnDisconnect(address string)
	PopAndInspect(ctx context.Context) bool
	PollAll(ctx context.Context) error
}

type Options struct {
	// EventWait bounds how long one tick waits for a lifecycle event
	EventWait       time.Duration `yaml:"event_wait" default:"1s"`
	InspectInterval time.Duration `yaml:"inspect_interval" default:"1s"`
	PollInterval    time.Duration `yaml:"poll_interval" default:"5m"`
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithClock replaces time.Now for interval bookkeeping
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

type Scheduler struct {
	central   device.Central
	lifecycle Lifecycle
	opts      Options
	logger    *logrus.Logger
	now       func() time.Time

	lastInspect time.Time
	lastPoll    time.Time
}

// New creates a Scheduler. Both interval timers start now, so the first poll
// sweep happens one PollInterval after creation.
func New(central device.Central, lifecycle Lifecycle, opts *Options, logger *logrus.Logger, options ...Option) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	o := Options{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	s := &Scheduler{
		central:   central,
		lifecycle: lifecycle,
		opts:      o,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	start := s.now()
	s.lastInspect = start
	s.lastPoll = start
	return s
}

// Run ticks until ctx is cancelled. In-flight protocol waits complete before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"inspect_interval": s.opts.InspectInterval,
		"poll_interval":    s.opts.PollInterval,
	}).Info("Scheduler started")

	for {
		if err := s.Tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.logger.Info("Scheduler stopped")
				return nil
			}
			return err
		}
	}
}

// Tick handles at most one event, then inspects and polls if their intervals elapsed.
// It only fails when ctx is done.
func (s *Scheduler) Tick(ctx context.Context) error {
	if err := s.handleEvent(ctx); err != nil {
		return err
	}

	if s.now().Sub(s.lastInspect) >= s.opts.InspectInterval {
		s.lifecycle.PopAndInspect(ctx)
		s.lastInspect = s.now()
	}

	if s.now().Sub(s.lastPoll) >= s.opts.PollInterval {
		if err := s.lifecycle.PollAll(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			s.logger.WithError(err).Error("Poll sweep finished with errors")
		}
		s.lastPoll = s.now()
	}
	return nil
}

func (s *Scheduler) handleEvent(ctx context.Context) error {
	timer := time.NewTimer(s.opts.EventWait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	case ev, ok := <-s.central.Events():
		if !ok {
			return nil
		}
		s.dispatch(ev)
		return nil
	}
}

func (s *Scheduler) dispatch(ev device.Event) {
	log := s.logger.WithFields(logrus.Fields{
		"address": ev.Address,
		"event":   ev.Type.String(),
	})

	switch ev.Type {
	case device.EventDiscovered:
		p, ok := s.central.Peripheral(ev.Address)
		if !ok {
			log.Warn("Discovered peripheral is no longer known to the central")
			return
		}
		s.lifecycle.OnDiscovered(p)
	case device.EventDisconnected:
		s.lifecycle.OnDisconnect(ev.Address)
	default:
		log.Warn("Unknown lifecycle event")
	}
}
