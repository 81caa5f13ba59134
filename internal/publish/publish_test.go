package publish

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/srg/blesense/internal/sensor"
	"github.com/srg/blesense/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakeToken struct {
	mqtt.Token
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func pendingToken() *fakeToken {
	return &fakeToken{done: make(chan struct{})}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mqtt.Client

	mu           sync.Mutex
	connectToken *fakeToken
	publishToken *fakeToken
	messages     []published
	disconnects  int
}

func (c *fakeClient) Connect() mqtt.Token { return c.connectToken }
func (c *fakeClient) IsConnected() bool   { return true }

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	c.messages = append(c.messages, published{topic, qos, retained, data})
	if c.publishToken != nil {
		return c.publishToken
	}
	return completedToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
}

type PublisherTestSuite struct {
	suite.Suite
	helper   *testutils.TestHelper
	client   *fakeClient
	sensor   sensor.Sensor
	readings []sensor.TimestampedReading
}

func (s *PublisherTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.client = &fakeClient{connectToken: completedToken(nil)}
	s.sensor = sensor.Sensor{Family: sensor.FamilyAlpha, Address: "aa:bb:cc:dd:ee:ff", Name: "Weather"}
	ts := time.Date(2025, 6, 1, 10, 30, 0, 0, time.UTC)
	s.readings = []sensor.TimestampedReading{
		{Timestamp: ts, Reading: sensor.Temperature(-3)},
		{Timestamp: ts, Reading: sensor.Humidity(71)},
	}
}

func (s *PublisherTestSuite) newPublisher(opts Options) *Publisher {
	if opts.Broker == "" {
		opts.Broker = "localhost:1883"
	}
	p, err := New(opts, s.helper.Logger, WithClient(s.client))
	s.Require().NoError(err)
	return p
}

func (s *PublisherTestSuite) TestPublish() {
	s.Run("readings are published as one document", func() {
		// GOAL: One poll yields a single message on <prefix>/<address>/readings
		//
		// TEST SCENARIO: connect → publish T and H → payload carries both values
		p := s.newPublisher(Options{TopicPrefix: "home/sensors"})
		s.Require().NoError(p.Connect(context.Background()))
		s.Require().NoError(p.Publish(context.Background(), s.sensor, s.readings))

		s.Require().Len(s.client.messages, 1)
		msg := s.client.messages[0]
		s.Equal("home/sensors/aa:bb:cc:dd:ee:ff/readings", msg.topic)
		s.Equal(byte(1), msg.qos, "default QoS MUST be 1")
		s.False(msg.retained)

		testutils.NewJSONAsserter(s.T()).Assert(string(msg.payload), `{
			"address": "aa:bb:cc:dd:ee:ff",
			"name": "Weather",
			"family": "Alpha",
			"timestamp": "2025-06-01T10:30:00Z",
			"temperature_c": -3,
			"humidity_pct": 71
		}`)
	})

	s.Run("publish before connect fails", func() {
		s.client.messages = nil
		p := s.newPublisher(Options{})
		err := p.Publish(context.Background(), s.sensor, s.readings)
		s.ErrorIs(err, ErrNotConnected)
		s.Empty(s.client.messages)
	})

	s.Run("broker error is returned", func() {
		s.client.messages = nil
		s.client.publishToken = completedToken(errors.New("not authorized"))
		defer func() { s.client.publishToken = nil }()

		p := s.newPublisher(Options{})
		s.Require().NoError(p.Connect(context.Background()))
		err := p.Publish(context.Background(), s.sensor, s.readings)
		s.Require().Error(err)
		s.Contains(err.Error(), "not authorized")
	})

	s.Run("publish timeout", func() {
		s.client.publishToken = pendingToken()
		defer func() { s.client.publishToken = nil }()

		p := s.newPublisher(Options{PublishTimeout: 20 * time.Millisecond})
		s.Require().NoError(p.Connect(context.Background()))
		err := p.Publish(context.Background(), s.sensor, s.readings)
		s.Require().Error(err)
		s.Contains(err.Error(), "timed out")
	})
}

func (s *PublisherTestSuite) TestConnect() {
	s.Run("connect respects context", func() {
		// GOAL: A broker that never answers does not block startup past ctx
		s.client.connectToken = pendingToken()
		p := s.newPublisher(Options{})

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		s.ErrorIs(p.Connect(ctx), context.DeadlineExceeded)
	})

	s.Run("connect error", func() {
		s.client.connectToken = completedToken(errors.New("connection refused"))
		p := s.newPublisher(Options{})
		err := p.Connect(context.Background())
		s.Require().Error(err)
		s.Contains(err.Error(), "connection refused")
	})

	s.Run("close is idempotent and publishes offline status", func() {
		s.client.connectToken = completedToken(nil)
		s.client.messages = nil
		p := s.newPublisher(Options{})
		s.Require().NoError(p.Connect(context.Background()))

		p.Close()
		p.Close()

		s.Equal(1, s.client.disconnects)
		s.Require().Len(s.client.messages, 1)
		s.Equal("blesense/status", s.client.messages[0].topic)
		s.True(s.client.messages[0].retained)
		s.ErrorIs(p.Connect(context.Background()), ErrStopped, "Connect after Close MUST fail")
	})
}

func TestPublisherTestSuite(t *testing.T) {
	suite.Run(t, new(PublisherTestSuite))
}

func TestNewDisabled(t *testing.T) {
	_, err := New(Options{Broker: "  "}, nil)
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = New(Options{Broker: "localhost:1883", QoS: 3}, nil)
	assert.Error(t, err)
}

func TestNewPayload(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s := sensor.Sensor{Family: sensor.FamilyAlpha, Address: "aa:00:00:00:00:01"}

	p := NewPayload(s, []sensor.TimestampedReading{{Timestamp: ts, Reading: sensor.Humidity(0)}})
	require.NotNil(t, p.Humidity, "zero humidity MUST still be reported")
	assert.Equal(t, 0, *p.Humidity)
	assert.Nil(t, p.Temperature)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "temperature_c")
	assert.NotContains(t, string(data), `"name"`)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "blesense/aa:bb/readings", ReadingsTopic("blesense/", "aa:bb"))
	assert.Equal(t, "site/status", StatusTopic("site"))
}
