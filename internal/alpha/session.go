package alpha

import (
	"fmt"
	"sync"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/device"
	"github.com/srg/blesense/internal/ringchan"
	"github.com/srg/blesense/internal/sensor"
)

// SessionOptions configures protocol timing
type SessionOptions struct {
	ResponseTimeout time.Duration `yaml:"response_timeout" default:"5s"`
}

// Session is a live, handshaken Alpha sensor.
// Only one request is ever in flight, so responses go through a capacity-1 ring.
type Session struct {
	peripheral device.Peripheral
	char       device.Characteristic
	responses  *ringchan.RingChannel[[]byte]
	opts       SessionOptions
	logger     *logrus.Logger

	closeOnce sync.Once
}

// NewSession subscribes to char and performs the hello handshake.
// On false the peripheral is left connected; the caller disconnects it.
func NewSession(p device.Peripheral, char device.Characteristic, opts *SessionOptions, logger *logrus.Logger) (*Session, bool) {
	if logger == nil {
		logger = logrus.New()
	}
	o := SessionOptions{}
	if opts != nil {
		o = *opts
	}
	defaults.SetDefaults(&o)

	s := &Session{
		peripheral: p,
		char:       char,
		responses:  ringchan.New[[]byte](1),
		opts:       o,
		logger:     logger,
	}

	want := char.UUID()
	err := p.Subscribe(char, func(n device.Notification) {
		if n.UUID != want {
			s.log().WithField("uuid", n.UUID).Warn("Unexpected notification uuid")
			return
		}
		if s.responses.ForceSend(n.Value) {
			s.log().Debug("Stale response overwritten")
		}
	})
	if err != nil {
		s.log().WithError(err).Warn("Failed to subscribe to notifications")
		return nil, false
	}

	if !s.hello() {
		return nil, false
	}
	return s, true
}

func (s *Session) hello() bool {
	if err := s.peripheral.Command(s.char, []byte{CmdHello}); err != nil {
		s.log().WithError(err).Warn("Hello send failed")
		return false
	}

	data, ok := s.responses.ReceiveTimeout(s.opts.ResponseTimeout)
	if !ok {
		s.log().Warn("Hello timeout")
		return false
	}
	if !IsHello(data) {
		s.log().WithField("data", fmt.Sprintf("% x", data)).Warn("Hello data did not match")
		return false
	}
	return true
}

// Poll requests one measurement
func (s *Session) Poll() (Measurement, error) {
	if n := s.responses.Drain(); n > 0 {
		s.log().WithField("dropped", n).Debug("Discarded stale responses before poll")
	}

	if err := s.peripheral.Command(s.char, []byte{CmdPoll}); err != nil {
		if device.IsConnectionState(err, device.NotConnected) {
			s.log().Warn("Sensor link is down, poll not sent")
		}
		return Measurement{}, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	data, ok := s.responses.ReceiveTimeout(s.opts.ResponseTimeout)
	if !ok {
		return Measurement{}, fmt.Errorf("%w after %s", ErrTimeout, s.opts.ResponseTimeout)
	}
	return Decode(data)
}

// Sensor returns the domain identity of this session
func (s *Session) Sensor() sensor.Sensor {
	return sensor.Sensor{
		Family:  sensor.FamilyAlpha,
		Address: s.peripheral.Address(),
		Name:    s.peripheral.Name(),
	}
}

func (s *Session) Address() string {
	return s.peripheral.Address()
}

// Peripheral returns the underlying peripheral, e.g. for re-inspection
func (s *Session) Peripheral() device.Peripheral {
	return s.peripheral
}

// Close disconnects the peripheral. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		m := s.responses.Metrics()
		s.log().WithFields(logrus.Fields{
			"responses": m.Processed,
			"discarded": m.Overwritten,
		}).Info("Disconnecting dropped sensor...")
		if err := s.peripheral.Disconnect(); err != nil {
			s.log().WithError(err).Warn("Could not disconnect from device")
		}
	})
}

func (s *Session) log() *logrus.Entry {
	return s.logger.WithField("address", s.peripheral.Address())
}
