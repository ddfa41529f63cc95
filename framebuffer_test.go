package rfbview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFramebufferAllocatesZeroFilled(t *testing.T) {
	fb, err := NewFramebuffer(4, 3)
	require.NoError(t, err)

	assert.Equal(t, uint32(4), fb.Width())
	assert.Equal(t, uint32(3), fb.Height())
	require.Len(t, fb.Bytes(), 4*3*4)
	for i, b := range fb.Bytes() {
		require.Zerof(t, b, "byte %d not zero", i)
	}
}

func TestNewFramebufferRejectsZeroDimensions(t *testing.T) {
	for _, dims := range [][2]uint32{{0, 10}, {10, 0}, {0, 0}} {
		_, err := NewFramebuffer(dims[0], dims[1])
		assert.ErrorIs(t, err, ErrInvalidDimensions, "dims %v", dims)
	}
}

func TestNewFramebufferRejectsOverflowingSize(t *testing.T) {
	_, err := NewFramebuffer(1<<31, 1<<31)
	assert.ErrorIs(t, err, ErrInvalidDimensions)
}

func TestReallocationIsIndependentOfOldContents(t *testing.T) {
	fb, err := NewFramebuffer(2, 2)
	require.NoError(t, err)
	for i := range fb.Bytes() {
		fb.Bytes()[i] = 0xAB
	}

	// A fresh allocation after teardown must be zero-filled and share
	// nothing with the discarded buffer.
	fresh, err := NewFramebuffer(2, 2)
	require.NoError(t, err)
	for _, b := range fresh.Bytes() {
		require.Zero(t, b)
	}
	fresh.Bytes()[0] = 1
	assert.Equal(t, byte(0xAB), fb.Bytes()[0])
}

func TestCopyBytesIsFrozen(t *testing.T) {
	fb, err := NewFramebuffer(2, 1)
	require.NoError(t, err)
	fb.Bytes()[0] = 7

	snap := fb.CopyBytes()
	fb.Bytes()[0] = 9

	assert.Equal(t, byte(7), snap[0], "copy must not observe later mutation")
}
