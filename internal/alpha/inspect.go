package alpha

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/device"
)

// Inspect connects to p and looks for the Alpha characteristic.
// Connect or discovery failures disconnect p; so does a missing characteristic.
func Inspect(ctx context.Context, p device.Peripheral, logger *logrus.Logger) (device.Characteristic, bool) {
	if logger == nil {
		logger = logrus.New()
	}
	log := logger.WithFields(logrus.Fields{
		"address": p.Address(),
		"name":    p.Name(),
	})

	log.Info("Connecting...")
	if err := p.Connect(ctx); err != nil {
		log.WithError(err).Warn("Connect failed")
		disconnect(p, log)
		return nil, false
	}

	log.Debug("Discovering characteristics...")
	chars, err := p.DiscoverCharacteristics()
	if err != nil {
		log.WithError(err).Warn("Characteristic discovery failed")
		disconnect(p, log)
		return nil, false
	}

	ch, err := device.FindCharacteristic(chars, CharacteristicUUID)
	if err != nil {
		log.WithError(err).Info("Not an Alpha sensor")
		disconnect(p, log)
		return nil, false
	}
	return ch, true
}

// Probe runs Inspect and the handshake, leaving p disconnected unless a session is returned
func Probe(ctx context.Context, p device.Peripheral, opts *SessionOptions, logger *logrus.Logger) (*Session, bool) {
	ch, ok := Inspect(ctx, p, logger)
	if !ok {
		return nil, false
	}

	s, ok := NewSession(p, ch, opts, logger)
	if !ok {
		if logger == nil {
			logger = logrus.New()
		}
		disconnect(p, logger.WithField("address", p.Address()))
		return nil, false
	}
	return s, true
}

func disconnect(p device.Peripheral, log *logrus.Entry) {
	log.Debug("Disconnecting...")
	if err := p.Disconnect(); err != nil {
		log.WithError(err).Warn("Could not disconnect from device")
	}
}
