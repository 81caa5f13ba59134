package testutils

import (
	"context"
	"testing"

	"github.com/srg/blesense/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakePeripheralScriptedResponses(t *testing.T) {
	p := NewFakePeripheral("aa:bb").
		WithCharacteristics("0000FFE1-0000-1000-8000-00805F9B34FB").
		RespondTo(0x66, []byte{1}, []byte{2}).
		RespondAlways(0x66, []byte{9})

	require.NoError(t, p.Connect(context.Background()))
	chars, err := p.DiscoverCharacteristics()
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, "ffe1", chars[0].UUID(), "UUIDs MUST be normalized")

	var got [][]byte
	require.NoError(t, p.Subscribe(chars[0], func(n device.Notification) {
		assert.Equal(t, "ffe1", n.UUID)
		got = append(got, n.Value)
	}))

	for i := 0; i < 4; i++ {
		require.NoError(t, p.Command(chars[0], []byte{0x66}))
	}
	assert.Equal(t, [][]byte{{1}, {2}, {9}, {9}}, got, "queued responses MUST precede the sticky one")
	assert.Len(t, p.Commands(), 4)
}

func TestFakePeripheralFailures(t *testing.T) {
	p := NewFakePeripheral("aa:bb").WithCharacteristics("ffe1")
	ch := FakeCharacteristic("ffe1")

	assert.ErrorIs(t, p.Command(ch, []byte{0x66}), device.ErrNotConnected)

	require.NoError(t, p.Connect(context.Background()))
	assert.ErrorIs(t, p.Connect(context.Background()), device.ErrAlreadyConnected)

	p.SetCommandError(ErrInjected)
	assert.ErrorIs(t, p.Command(ch, []byte{0x66}), ErrInjected)
	p.SetCommandError(nil)
	assert.NoError(t, p.Command(ch, []byte{0x66}))

	require.NoError(t, p.Disconnect())
	assert.False(t, p.IsConnected())
	assert.Equal(t, 1, p.DisconnectCount())
}

func TestNewFakePeripheralFromJSON(t *testing.T) {
	p := NewFakePeripheralFromJSON(`{
		"address": "%s",
		"name": "Weather",
		"characteristics": ["ffe1"],
		"always": {"16": [0, 240, 20, 77]},
		"responses": [{"command": 102, "payloads": [[0, 236, 55, 0]]}],
		"fail": {"connect": true}
	}`, "aa:bb:cc")

	assert.Equal(t, "aa:bb:cc", p.Address())
	assert.Equal(t, "Weather", p.Name())
	assert.ErrorIs(t, p.Connect(context.Background()), ErrInjected)

	resp, ok := p.nextResponse(0x10)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xF0, 0x14, 0x4D}, resp)
	resp, ok = p.nextResponse(0x66)
	assert.True(t, ok)
	assert.Equal(t, []byte{0x00, 0xEC, 0x37, 0x00}, resp)
	_, ok = p.nextResponse(0x66)
	assert.False(t, ok)
}

func TestFakeCentral(t *testing.T) {
	c := NewFakeCentral()
	p := NewWeatherSensor("aa:bb", 21, 40)

	c.Discover(p)
	ev := <-c.Events()
	assert.Equal(t, device.Event{Type: device.EventDiscovered, Address: "aa:bb"}, ev)

	got, ok := c.Peripheral("aa:bb")
	require.True(t, ok)
	assert.Same(t, p, got)

	c.Lose("aa:bb")
	assert.Equal(t, device.EventDisconnected, (<-c.Events()).Type)
	_, ok = c.Peripheral("aa:bb")
	assert.False(t, ok)
}
