package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecoderSplitsAcrossChunks(t *testing.T) {
	word := []byte("héllo 世界") // é is 2 bytes, 世 and 界 are 3 bytes each

	for split := 0; split <= len(word); split++ {
		var d Decoder
		got := d.Decode(word[:split]) + d.Decode(word[split:])
		assert.Equal(t, "héllo 世界", got, "split at %d", split)
		assert.Empty(t, d.Flush(), "split at %d", split)
	}
}

func TestDecoderReplacesInvalidBytes(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{"plain ascii", []byte("ls -la\r\n"), "ls -la\r\n"},
		{"lone continuation", []byte{'a', 0x80, 'b'}, "a�b"},
		{"invalid lead", []byte{0xff, 'x'}, "�x"},
		{"trailing invalid", []byte{'x', 0xff}, "x�"},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoder
			assert.Equal(t, tt.want, d.Decode(tt.input))
			assert.Empty(t, d.Flush())
		})
	}
}

func TestDecoderHoldsBackIncompleteRune(t *testing.T) {
	var d Decoder
	assert.Equal(t, "a", d.Decode([]byte{'a', 0xe4, 0xb8}))
	assert.Equal(t, "�", d.Flush())
	assert.Equal(t, "b", d.Decode([]byte("b")))
}

func TestDecoderCarryFollowedByGarbage(t *testing.T) {
	var d Decoder
	assert.Equal(t, "", d.Decode([]byte{0xe4}))
	assert.Equal(t, "�z", d.Decode([]byte{'z'}))
}
