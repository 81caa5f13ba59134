package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/alpha"
	"github.com/srg/blesense/internal/device"
	"github.com/srg/blesense/internal/sensor"
	"github.com/srg/blesense/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type recordedBatch struct {
	sensor   sensor.Sensor
	readings []sensor.TimestampedReading
}

type fakeSink struct {
	mu       sync.Mutex
	batches  []recordedBatch
	err      error
	failFor  map[string]error
	onRecord func()
}

func (f *fakeSink) Record(_ context.Context, s sensor.Sensor, readings []sensor.TimestampedReading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onRecord != nil {
		f.onRecord()
	}
	if f.err != nil {
		return f.err
	}
	if err := f.failFor[s.Address]; err != nil {
		return err
	}
	f.batches = append(f.batches, recordedBatch{sensor: s, readings: readings})
	return nil
}

func (f *fakeSink) recorded() []recordedBatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedBatch(nil), f.batches...)
}

type RegistryTestSuite struct {
	suite.Suite
	logger *logrus.Logger
	sink   *fakeSink
	now    time.Time
	reg    *Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.logger = testutils.NewTestHelper(s.T()).Logger
	s.sink = &fakeSink{}
	s.now = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	probe := AlphaProbe(&alpha.SessionOptions{ResponseTimeout: 50 * time.Millisecond}, s.logger)
	s.reg = New(probe, s.sink, s.logger, WithClock(func() time.Time { return s.now }))
}

// admit discovers and inspects p, requiring admission
func (s *RegistryTestSuite) admit(p *testutils.FakePeripheral) {
	s.reg.OnDiscovered(p)
	s.Require().True(s.reg.PopAndInspect(context.Background()), "%s MUST be admitted", p.Address())
}

func (s *RegistryTestSuite) assertDisjoint() {
	pending := map[string]bool{}
	for _, a := range s.reg.Pending() {
		pending[a] = true
	}
	for _, a := range s.reg.Active() {
		s.False(pending[a], "address %s MUST not be both pending and active", a)
		s.Equal(sensor.Online, s.reg.StatusByAddress(a), "active %s MUST be online", a)
	}
	s.Len(s.reg.OnlineSensors(), len(s.reg.Active()), "online set MUST mirror the active set")
}

func (s *RegistryTestSuite) TestInspection() {
	s.Run("LIFO order", func() {
		// GOAL: The most recently discovered peripheral is inspected first
		//
		// TEST SCENARIO: discover a then b → first PopAndInspect admits b, a stays pending
		a := testutils.NewWeatherSensor("aa:00", 20, 40)
		b := testutils.NewWeatherSensor("bb:00", 21, 41)
		s.reg.OnDiscovered(a)
		s.reg.OnDiscovered(b)
		s.Equal([]string{"aa:00", "bb:00"}, s.reg.Pending())

		s.True(s.reg.PopAndInspect(context.Background()))

		s.Equal([]string{"bb:00"}, s.reg.Active())
		s.Equal([]string{"aa:00"}, s.reg.Pending())
		s.Equal(0, a.ConnectCount(), "older peripheral MUST not be touched yet")
		s.Equal(sensor.Online, s.reg.Status(sensor.Sensor{Family: sensor.FamilyAlpha, Address: "bb:00"}))
		s.Equal(sensor.Offline, s.reg.StatusByAddress("aa:00"))
		s.assertDisjoint()
	})

	s.Run("failed inspection discards", func() {
		// GOAL: A peripheral failing the handshake leaves every set and is disconnected
		p := testutils.NewFakePeripheral("cc:00").WithCharacteristics("ffe1").RespondTo(alpha.CmdHello, []byte{0x00, 0xF0, 0x14, 0x4E})
		s.reg.OnDiscovered(p)

		s.False(s.reg.PopAndInspect(context.Background()))

		s.NotContains(s.reg.Pending(), "cc:00")
		s.NotContains(s.reg.Active(), "cc:00")
		s.False(p.IsConnected())
	})

	s.Run("empty queue", func() {
		r := New(func(context.Context, device.Peripheral) (Session, bool) {
			s.Fail("probe MUST not run on an empty queue")
			return nil, false
		}, nil, s.logger)
		s.False(r.PopAndInspect(context.Background()))
	})
}

func (s *RegistryTestSuite) TestOnDisconnect() {
	s.Run("removes active session and marks offline", func() {
		p := testutils.NewWeatherSensor("aa:01", 20, 40)
		s.admit(p)
		s.Require().Equal(sensor.Online, s.reg.StatusByAddress("aa:01"))

		s.reg.OnDisconnect("aa:01")

		s.Empty(s.reg.Active())
		s.Equal(sensor.Offline, s.reg.StatusByAddress("aa:01"))
		s.False(p.IsConnected(), "removed session MUST be closed")
	})

	s.Run("removes queued entries", func() {
		p := testutils.NewWeatherSensor("aa:02", 20, 40)
		s.reg.OnDiscovered(p)
		s.reg.OnDiscovered(testutils.NewWeatherSensor("aa:03", 20, 40))
		s.reg.OnDiscovered(p)

		s.reg.OnDisconnect("aa:02")

		s.Equal([]string{"aa:03"}, s.reg.Pending())
	})

	s.Run("idempotent", func() {
		// GOAL: A second disconnect for the same address changes nothing and does not panic
		p := testutils.NewWeatherSensor("aa:04", 20, 40)
		s.admit(p)

		s.reg.OnDisconnect("aa:04")
		active, pending, online := s.reg.Active(), s.reg.Pending(), s.reg.OnlineSensors()
		s.NotPanics(func() { s.reg.OnDisconnect("aa:04") })

		s.Equal(active, s.reg.Active())
		s.Equal(pending, s.reg.Pending())
		s.Equal(online, s.reg.OnlineSensors())
		s.Equal(1, p.DisconnectCount(), "session MUST be closed only once")
	})

	s.Run("unknown address", func() {
		s.NotPanics(func() { s.reg.OnDisconnect("ff:ff") })
	})
}

func (s *RegistryTestSuite) TestPollAll() {
	s.Run("forwards readings to the sink", func() {
		// GOAL: A successful poll produces a T and an H reading stamped with the poll time
		//
		// TEST SCENARIO: one active sensor answering -20°C / 55% → one recorded batch
		s.admit(testutils.NewWeatherSensor("aa:10", -20, 55))

		s.Require().NoError(s.reg.PollAll(context.Background()))

		batches := s.sink.recorded()
		s.Require().Len(batches, 1)
		s.Equal("aa:10", batches[0].sensor.Address)
		s.Equal("Weather", batches[0].sensor.Name)
		s.Equal([]sensor.TimestampedReading{
			{Timestamp: s.now, Reading: sensor.Temperature(-20)},
			{Timestamp: s.now, Reading: sensor.Humidity(55)},
		}, batches[0].readings)
	})

	s.Run("send failure re-queues", func() {
		// GOAL: SendFailed removes the session, marks the sensor offline and queues the peripheral
		//
		// TEST SCENARIO: link refuses writes → pending, not active, offline; then recovery re-admits it
		p := testutils.NewWeatherSensor("aa:11", 20, 40)
		s.admit(p)
		p.SetCommandError(testutils.ErrInjected)

		s.Require().NoError(s.reg.PollAll(context.Background()))

		s.Contains(s.reg.Pending(), "aa:11")
		s.NotContains(s.reg.Active(), "aa:11")
		s.Equal(sensor.Offline, s.reg.StatusByAddress("aa:11"))
		s.False(p.IsConnected(), "reclassified session MUST be closed")
		s.assertDisjoint()

		p.SetCommandError(nil)
		s.True(s.reg.PopAndInspect(context.Background()), "re-queued peripheral MUST be re-inspected")
		s.Equal(sensor.Online, s.reg.StatusByAddress("aa:11"))
	})

	s.Run("other protocol errors keep the session", func() {
		p := testutils.NewWeatherSensor("aa:12", 20, 40)
		s.admit(p)
		p.SetSilent(true)

		s.Require().NoError(s.reg.PollAll(context.Background()))

		s.Contains(s.reg.Active(), "aa:12")
		s.NotContains(s.reg.Pending(), "aa:12")
		s.Equal(sensor.Online, s.reg.StatusByAddress("aa:12"))
	})

	s.Run("sink errors do not starve later sensors", func() {
		// GOAL: A sensor whose readings cannot be stored does not stop the rest of the sweep
		//
		// TEST SCENARIO: first admitted sensor fails to record → second is still polled and
		// recorded → the sweep returns the first sensor's error
		s.reg.Shutdown()
		s.sink.batches = nil
		first := testutils.NewWeatherSensor("aa:13", 20, 40)
		second := testutils.NewWeatherSensor("aa:14", 21, 41)
		s.admit(first)
		s.admit(second)
		s.sink.failFor = map[string]error{"aa:13": errors.New("schema mismatch")}
		defer func() { s.sink.failFor = nil }()

		err := s.reg.PollAll(context.Background())

		s.Require().Error(err)
		s.Contains(err.Error(), "aa:13")
		s.Contains(err.Error(), "schema mismatch")
		s.NotContains(err.Error(), "aa:14")
		s.Len(second.Commands(), 2, "second sensor MUST be polled after a sink failure")

		batches := s.sink.recorded()
		s.Require().Len(batches, 1)
		s.Equal("aa:14", batches[0].sensor.Address)
		s.Equal(sensor.Online, s.reg.StatusByAddress("aa:13"), "a storage failure MUST not take the sensor offline")
	})

	s.Run("every failing sensor is reported", func() {
		s.reg.Shutdown()
		s.admit(testutils.NewWeatherSensor("aa:15", 20, 40))
		s.admit(testutils.NewWeatherSensor("aa:16", 20, 40))
		s.sink.err = errors.New("disk I/O error")
		defer func() { s.sink.err = nil }()

		err := s.reg.PollAll(context.Background())

		s.Require().Error(err)
		s.Contains(err.Error(), "aa:15")
		s.Contains(err.Error(), "aa:16")
	})

	s.Run("sink cancellation stops the sweep", func() {
		s.reg.Shutdown()
		ctx, cancel := context.WithCancel(context.Background())
		s.sink.onRecord = cancel
		defer func() { s.sink.onRecord = nil }()
		s.sink.err = context.Canceled
		defer func() { s.sink.err = nil }()
		first := testutils.NewWeatherSensor("aa:17", 20, 40)
		second := testutils.NewWeatherSensor("aa:18", 20, 40)
		s.admit(first)
		s.admit(second)

		s.ErrorIs(s.reg.PollAll(ctx), context.Canceled)
		s.Len(second.Commands(), 1, "no sensor MUST be polled once the context is cancelled")
	})

	s.Run("cancelled context stops the sweep", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		s.ErrorIs(s.reg.PollAll(ctx), context.Canceled)
	})
}

func (s *RegistryTestSuite) TestDisjointnessUnderRandomEvents() {
	// GOAL: Pending and active sets never share an address for any event sequence
	//
	// TEST SCENARIO: 500 random discover / disconnect / inspect / poll steps over 6 sensors,
	// some of which intermittently refuse writes
	rng := rand.New(rand.NewSource(42))
	peripherals := make([]*testutils.FakePeripheral, 6)
	for i := range peripherals {
		peripherals[i] = testutils.NewWeatherSensor(fmt.Sprintf("dd:%02d", i), 20, 40)
	}

	// an address is only re-discovered when it is in no set, mirroring the central
	known := func(addr string) bool {
		for _, a := range append(s.reg.Pending(), s.reg.Active()...) {
			if a == addr {
				return true
			}
		}
		return false
	}

	for step := 0; step < 500; step++ {
		p := peripherals[rng.Intn(len(peripherals))]
		switch rng.Intn(5) {
		case 0:
			if !known(p.Address()) {
				s.reg.OnDiscovered(p)
			}
		case 1:
			s.reg.OnDisconnect(p.Address())
		case 2:
			s.reg.PopAndInspect(context.Background())
		case 3:
			s.Require().NoError(s.reg.PollAll(context.Background()))
		case 4:
			if rng.Intn(2) == 0 {
				p.SetCommandError(testutils.ErrInjected)
			} else {
				p.SetCommandError(nil)
			}
		}
		s.assertDisjoint()
	}
}

func (s *RegistryTestSuite) TestShutdown() {
	p := testutils.NewWeatherSensor("aa:20", 20, 40)
	s.admit(p)
	s.reg.OnDiscovered(testutils.NewWeatherSensor("aa:21", 20, 40))

	s.reg.Shutdown()

	s.Empty(s.reg.Active())
	s.Empty(s.reg.Pending())
	s.Empty(s.reg.OnlineSensors())
	s.False(p.IsConnected())
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
