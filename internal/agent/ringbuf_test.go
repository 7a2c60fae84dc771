package agent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferKeepsNewestBytes(t *testing.T) {
	ring := NewRingBuffer(8)

	ring.Write([]byte("abcd"))
	ring.Write([]byte("efgh"))
	assert.Equal(t, "abcdefgh", ring.String())
	assert.EqualValues(t, 0, ring.Evicted())

	ring.Write([]byte("ij"))
	assert.Equal(t, "cdefghij", ring.String())
	assert.EqualValues(t, 2, ring.Evicted())
}

func TestRingBufferTruncationMarkerOncePerBurst(t *testing.T) {
	ring := NewRingBuffer(4)

	assert.False(t, ring.Write([]byte("abcd")))

	// First evicting write opens the burst; subsequent ones stay silent.
	assert.True(t, ring.Write([]byte("e")))
	assert.False(t, ring.Write([]byte("f")))
	assert.False(t, ring.Write([]byte("g")))

	// A non-evicting write closes the burst; the next overflow reports again.
	ring = NewRingBuffer(4)
	assert.True(t, ring.Write([]byte("abcdef")))
	assert.False(t, ring.Write(nil))
	assert.True(t, ring.Write([]byte("xyzzy")))
}

func TestRingBufferOversizeWrite(t *testing.T) {
	ring := NewRingBuffer(4)
	ring.Write(bytes.Repeat([]byte("x"), 100))
	assert.Equal(t, "xxxx", ring.String())
	assert.EqualValues(t, 96, ring.Evicted())
}
