// Package publish forwards stored readings to an MQTT broker.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/sensor"
)

var (
	ErrDisabled     = errors.New("mqtt publishing disabled")
	ErrNotConnected = errors.New("mqtt client not connected")
	ErrStopped      = errors.New("mqtt client stopped")
)

// Options configures the MQTT connection. An empty Broker disables publishing.
type Options struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id" default:"blesense"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix" default:"blesense"`
	QoS            byte          `yaml:"qos" default:"1"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"10s"`
	PublishTimeout time.Duration `yaml:"publish_timeout" default:"5s"`
	RetryInterval  time.Duration `yaml:"retry_interval" default:"5s"`
}

// Enabled reports whether a broker is configured
func (o Options) Enabled() bool {
	return strings.TrimSpace(o.Broker) != ""
}

// Payload is the JSON document published for each poll
type Payload struct {
	Address     string    `json:"address"`
	Name        string    `json:"name,omitempty"`
	Family      string    `json:"family"`
	Timestamp   time.Time `json:"timestamp"`
	Temperature *int      `json:"temperature_c,omitempty"`
	Humidity    *int      `json:"humidity_pct,omitempty"`
}

// NewPayload folds one poll's readings into a single document
func NewPayload(s sensor.Sensor, readings []sensor.TimestampedReading) Payload {
	p := Payload{
		Address: s.Address,
		Name:    s.Name,
		Family:  string(s.Family),
	}
	for _, r := range readings {
		v := r.Value
		switch r.Kind {
		case sensor.KindTemperature:
			p.Temperature = &v
		case sensor.KindHumidity:
			p.Humidity = &v
		}
		if r.Timestamp.After(p.Timestamp) {
			p.Timestamp = r.Timestamp.UTC()
		}
	}
	return p
}

// ReadingsTopic returns <prefix>/<address>/readings
func ReadingsTopic(prefix, address string) string {
	return fmt.Sprintf("%s/%s/readings", strings.TrimSuffix(prefix, "/"), address)
}

// StatusTopic carries the gateway online/offline state (retained)
func StatusTopic(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/status"
}

// Publisher publishes readings over MQTT
type Publisher struct {
	client mqtt.Client
	opts   Options
	logger *logrus.Logger

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option configures a Publisher
type Option func(*Publisher)

// WithClient replaces the paho client
func WithClient(c mqtt.Client) Option {
	return func(p *Publisher) { p.client = c }
}

// New builds a Publisher. It returns ErrDisabled when no broker is configured.
func New(opts Options, logger *logrus.Logger, options ...Option) (*Publisher, error) {
	if !opts.Enabled() {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	if opts.QoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", opts.QoS)
	}

	p := &Publisher{
		opts:   opts,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	for _, opt := range options {
		opt(p)
	}
	if p.client == nil {
		p.client = mqtt.NewClient(p.clientOptions())
	}
	return p, nil
}

func (p *Publisher) clientOptions() *mqtt.ClientOptions {
	o := mqtt.NewClientOptions()
	broker := p.opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	o.AddBroker(broker)
	o.SetClientID(p.opts.ClientID)
	if p.opts.Username != "" {
		o.SetUsername(p.opts.Username)
		o.SetPassword(p.opts.Password)
	}

	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(p.opts.RetryInterval)
	o.SetConnectTimeout(p.opts.ConnectTimeout)
	o.SetKeepAlive(30 * time.Second)

	o.SetWill(StatusTopic(p.opts.TopicPrefix), `{"status":"offline"}`, 1, true)

	o.SetOnConnectHandler(func(c mqtt.Client) {
		p.setConnected(true)
		p.logger.WithField("broker", broker).Info("MQTT connected")
		c.Publish(StatusTopic(p.opts.TopicPrefix), 1, true, `{"status":"online"}`)
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		p.setConnected(false)
		p.logger.WithError(err).Warn("MQTT connection lost")
	})
	return o
}

// Connect waits for the initial connection. It respects ctx and Close.
func (p *Publisher) Connect(ctx context.Context) error {
	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}
	if p.IsConnected() {
		return nil
	}

	token := p.client.Connect()

	const poll = 200 * time.Millisecond
	for {
		if token.WaitTimeout(poll) {
			if err := token.Error(); err != nil {
				return fmt.Errorf("mqtt connect: %w", err)
			}
			p.setConnected(true)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return ErrStopped
		default:
		}
	}
}

// Publish sends one payload for the poll. It implements recorder.Publisher.
func (p *Publisher) Publish(ctx context.Context, s sensor.Sensor, readings []sensor.TimestampedReading) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}

	topic := ReadingsTopic(p.opts.TopicPrefix, s.Address)
	data, err := json.Marshal(NewPayload(s, readings))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	token := p.client.Publish(topic, p.opts.QoS, false, data)
	if err := p.wait(ctx, token); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.logger.WithFields(logrus.Fields{
		"address": s.Address,
		"topic":   topic,
	}).Debug("Readings published")
	return nil
}

func (p *Publisher) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(p.opts.PublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", p.opts.PublishTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the broker link is up
func (p *Publisher) IsConnected() bool {
	p.mu.RLock()
	connected := p.connected
	p.mu.RUnlock()
	return connected && p.client.IsConnected()
}

// Close publishes the offline status and disconnects. Safe to call more than once.
func (p *Publisher) Close() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
		if p.IsConnected() {
			t := p.client.Publish(StatusTopic(p.opts.TopicPrefix), 1, true, `{"status":"offline"}`)
			t.WaitTimeout(time.Second)
		}
		p.client.Disconnect(250)
		p.setConnected(false)
		p.logger.Info("MQTT disconnected")
	})
}

func (p *Publisher) setConnected(v bool) {
	p.mu.Lock()
	p.connected = v
	p.mu.Unlock()
}
