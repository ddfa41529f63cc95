package rfbview

import (
	"errors"
	"fmt"
	"sync"
)

// bytesPerPixel is the fixed pixel width of the framebuffer. The store keeps
// pixels in the 32bpp true-colour layout the server sends them in (B, G, R, A
// in memory), so rectangle payloads can be copied in without any per-pixel
// channel work.
const bytesPerPixel = 4

// ErrInvalidDimensions is returned when a framebuffer is allocated with a
// zero dimension, or with dimensions whose byte length would not be
// addressable.
var ErrInvalidDimensions = errors.New("invalid framebuffer dimensions")

// Framebuffer is the client's canonical copy of the remote screen: a flat,
// row-major byte buffer of exactly width*height*4 bytes. It is owned by the
// Engine for the lifetime of a connection and is recreated, never resized,
// when the remote screen geometry changes.
//
// There is exactly one writer (batches are applied strictly sequentially),
// but a snapshot copy may be taken from a scheduler goroutine while an apply
// is in progress, so the pixel buffer is guarded by a lock shared between
// ApplyBatch and CopyBytes. The lock covers only the byte copy; a frozen
// copy is decoded off the lock.
type Framebuffer struct {
	width  uint32
	height uint32

	mu  sync.Mutex
	pix []byte
}

// NewFramebuffer allocates a zero-filled framebuffer for the given remote
// screen dimensions.
func NewFramebuffer(width, height uint32) (*Framebuffer, error) {
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	pixels := uint64(width) * uint64(height)
	if pixels > uint64(maxInt)/bytesPerPixel {
		return nil, fmt.Errorf("%w: %dx%d overflows buffer size", ErrInvalidDimensions, width, height)
	}
	return &Framebuffer{
		width:  width,
		height: height,
		pix:    make([]byte, pixels*bytesPerPixel),
	}, nil
}

const maxInt = int(^uint(0) >> 1)

// Width returns the framebuffer width in pixels.
func (fb *Framebuffer) Width() uint32 { return fb.width }

// Height returns the framebuffer height in pixels.
func (fb *Framebuffer) Height() uint32 { return fb.height }

// Bytes returns the live pixel buffer. Callers must not retain the slice
// across an apply: all mutation happens synchronously inside ApplyBatch.
func (fb *Framebuffer) Bytes() []byte { return fb.pix }

// CopyBytes returns a copy of the pixel buffer taken at the moment of the
// call. Snapshot materialization reads this copy, never the live buffer, so
// an in-flight materialization cannot race with subsequent applies. The
// copy excludes any rectangle still being applied: ApplyBatch holds the
// same lock for the whole batch.
func (fb *Framebuffer) CopyBytes() []byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make([]byte, len(fb.pix))
	copy(out, fb.pix)
	return out
}

// rowOffset returns the byte offset of pixel (x, y).
func (fb *Framebuffer) rowOffset(x, y uint32) int {
	return (int(y)*int(fb.width) + int(x)) * bytesPerPixel
}
