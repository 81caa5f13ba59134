package testutils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/srg/blesense/internal/device"
)

// FakeCharacteristic is a characteristic identified only by its UUID
type FakeCharacteristic string

func (c FakeCharacteristic) UUID() string { return string(c) }

// ErrInjected is returned by fakes when a failure toggle is set without an explicit error
var ErrInjected = errors.New("injected failure")

// FakePeripheral is a scripted device.Peripheral.
//
// Commands are answered synchronously from per-command response queues; when a queue is
// empty the command's sticky response (if any) is sent instead. Responses are delivered
// through the subscribed handler exactly as a real capability would.
type FakePeripheral struct {
	mu sync.Mutex

	address string
	name    string
	chars   []string

	connectErr   error
	discoverErr  error
	subscribeErr error
	commandErr   error
	silent       bool

	queued map[byte][][]byte
	sticky map[byte][]byte

	connected   bool
	handler     device.NotificationHandler
	handlerUUID string

	commands    [][]byte
	connects    int
	disconnects int
}

// NewFakePeripheral creates a peripheral without characteristics or responses
func NewFakePeripheral(address string) *FakePeripheral {
	return &FakePeripheral{
		address: address,
		queued:  make(map[byte][][]byte),
		sticky:  make(map[byte][]byte),
	}
}

// WithName sets the advertised name
func (p *FakePeripheral) WithName(name string) *FakePeripheral {
	p.name = name
	return p
}

// WithCharacteristics sets the discoverable characteristic UUIDs
func (p *FakePeripheral) WithCharacteristics(uuids ...string) *FakePeripheral {
	p.chars = nil
	for _, u := range uuids {
		p.chars = append(p.chars, device.NormalizeUUID(u))
	}
	return p
}

// RespondTo queues one-shot responses for cmd, consumed in order
func (p *FakePeripheral) RespondTo(cmd byte, payloads ...[]byte) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued[cmd] = append(p.queued[cmd], payloads...)
	return p
}

// RespondAlways sets the response used for cmd whenever its queue is empty
func (p *FakePeripheral) RespondAlways(cmd byte, payload []byte) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sticky[cmd] = payload
	return p
}

// FailConnect makes Connect fail with err (ErrInjected when nil)
func (p *FakePeripheral) FailConnect(err error) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = orInjected(err)
	return p
}

// FailDiscover makes DiscoverCharacteristics fail
func (p *FakePeripheral) FailDiscover(err error) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverErr = orInjected(err)
	return p
}

// FailSubscribe makes Subscribe fail
func (p *FakePeripheral) FailSubscribe(err error) *FakePeripheral {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribeErr = orInjected(err)
	return p
}

// SetCommandError toggles Command failures; nil restores normal operation
func (p *FakePeripheral) SetCommandError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commandErr = err
}

// SetSilent stops (or resumes) answering commands
func (p *FakePeripheral) SetSilent(silent bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silent = silent
}

// Notify pushes an unsolicited notification to the subscribed handler
func (p *FakePeripheral) Notify(uuid string, data []byte) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		h(device.Notification{UUID: device.NormalizeUUID(uuid), Value: data})
	}
}

func (p *FakePeripheral) Address() string { return p.address }

func (p *FakePeripheral) Name() string { return p.name }

func (p *FakePeripheral) Connect(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	if p.connectErr != nil {
		return p.connectErr
	}
	if p.connected {
		return device.ErrAlreadyConnected
	}
	p.connected = true
	return nil
}

func (p *FakePeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	p.connected = false
	p.handler = nil
	return nil
}

func (p *FakePeripheral) DiscoverCharacteristics() ([]device.Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, device.ErrNotConnected
	}
	if p.discoverErr != nil {
		return nil, p.discoverErr
	}
	chars := make([]device.Characteristic, 0, len(p.chars))
	for _, u := range p.chars {
		chars = append(chars, FakeCharacteristic(u))
	}
	return chars, nil
}

func (p *FakePeripheral) Subscribe(char device.Characteristic, handler device.NotificationHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return device.ErrNotConnected
	}
	if p.subscribeErr != nil {
		return p.subscribeErr
	}
	p.handler = handler
	p.handlerUUID = char.UUID()
	return nil
}

func (p *FakePeripheral) Command(char device.Characteristic, data []byte) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return device.ErrNotConnected
	}
	if p.commandErr != nil {
		err := p.commandErr
		p.mu.Unlock()
		return err
	}
	p.commands = append(p.commands, append([]byte(nil), data...))

	var resp []byte
	respond := false
	if len(data) == 1 && !p.silent {
		resp, respond = p.nextResponse(data[0])
	}
	h := p.handler
	uuid := char.UUID()
	p.mu.Unlock()

	if respond && h != nil {
		h(device.Notification{UUID: uuid, Value: append([]byte(nil), resp...)})
	}
	return nil
}

func (p *FakePeripheral) nextResponse(cmd byte) ([]byte, bool) {
	if q := p.queued[cmd]; len(q) > 0 {
		p.queued[cmd] = q[1:]
		return q[0], true
	}
	resp, ok := p.sticky[cmd]
	return resp, ok
}

// Commands returns a copy of every command written so far
func (p *FakePeripheral) Commands() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.commands))
	copy(out, p.commands)
	return out
}

func (p *FakePeripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *FakePeripheral) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

func (p *FakePeripheral) DisconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

// SubscribedUUID returns the characteristic of the active subscription
func (p *FakePeripheral) SubscribedUUID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlerUUID
}

func orInjected(err error) error {
	if err == nil {
		return ErrInjected
	}
	return err
}

// PeripheralConfig is the JSON form accepted by NewFakePeripheralFromJSON
type PeripheralConfig struct {
	Address         string           `json:"address"`
	Name            string           `json:"name,omitempty"`
	Characteristics []string         `json:"characteristics,omitempty"`
	Responses       []ResponseConfig `json:"responses,omitempty"`
	Always          map[string][]int `json:"always,omitempty"`
	Fail            map[string]bool  `json:"fail,omitempty"`
}

// ResponseConfig queues payloads for a command byte
type ResponseConfig struct {
	Command  int     `json:"command"`
	Payloads [][]int `json:"payloads"`
}

// NewFakePeripheralFromJSON builds a peripheral from a fmt-formatted JSON description.
//
//	{"address": "aa:bb", "name": "Weather", "characteristics": ["ffe1"],
//	 "always": {"16": [0, 240, 20, 77]}, "responses": [{"command": 102, "payloads": [[0, 20, 50, 0]]}],
//	 "fail": {"connect": true}}
func NewFakePeripheralFromJSON(jsonStrFmt string, args ...any) *FakePeripheral {
	var cfg PeripheralConfig
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &cfg); err != nil {
		panic(fmt.Sprintf("NewFakePeripheralFromJSON: invalid JSON: %v", err))
	}

	p := NewFakePeripheral(cfg.Address).WithName(cfg.Name).WithCharacteristics(cfg.Characteristics...)
	for _, r := range cfg.Responses {
		for _, payload := range r.Payloads {
			p.RespondTo(byte(r.Command), toBytes(payload))
		}
	}
	for cmd, payload := range cfg.Always {
		var c int
		if _, err := fmt.Sscan(cmd, &c); err != nil {
			panic(fmt.Sprintf("NewFakePeripheralFromJSON: invalid command %q", cmd))
		}
		p.RespondAlways(byte(c), toBytes(payload))
	}
	for what, on := range cfg.Fail {
		if !on {
			continue
		}
		switch what {
		case "connect":
			p.FailConnect(nil)
		case "discover":
			p.FailDiscover(nil)
		case "subscribe":
			p.FailSubscribe(nil)
		case "command":
			p.SetCommandError(ErrInjected)
		default:
			panic(fmt.Sprintf("NewFakePeripheralFromJSON: unknown failure %q", what))
		}
	}
	return p
}

func toBytes(v []int) []byte {
	out := make([]byte, len(v))
	for i, b := range v {
		out[i] = byte(b)
	}
	return out
}
