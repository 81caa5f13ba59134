package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "16-bit UUID lowercase",
			input:    "ffe1",
			expected: "ffe1",
		},
		{
			name:     "16-bit UUID uppercase",
			input:    "FFE1",
			expected: "ffe1",
		},
		{
			name:     "16-bit UUID with 0x prefix",
			input:    "0xFFE1",
			expected: "ffe1",
		},
		{
			name:     "Full Bluetooth SIG UUID with dashes",
			input:    "0000ffe1-0000-1000-8000-00805f9b34fb",
			expected: "ffe1",
		},
		{
			name:     "Full Bluetooth SIG UUID without dashes uppercase",
			input:    "0000FFE100001000800000805F9B34FB",
			expected: "ffe1",
		},
		{
			name:     "Custom 128-bit UUID is kept",
			input:    "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			expected: "6e400001b5a3f393e0a9e50e24dcca9e",
		},
		{
			name:     "Empty string",
			input:    "",
			expected: "",
		},
		{
			name:     "Not hexadecimal",
			input:    "zz-top",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeUUID(tt.input))
		})
	}
}

func TestUUID16(t *testing.T) {
	assert.Equal(t, "ffe1", UUID16(0xFFE1))
	assert.Equal(t, "2a00", UUID16(0x2A00))
}
