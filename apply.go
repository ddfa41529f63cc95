package rfbview

import (
	"errors"
	"fmt"
)

// ErrShortPayload is returned when a raw rectangle's payload is too short
// even for the clipped portion of its destination region. This is a protocol
// violation: the applier aborts the rest of the batch and the connection
// layer decides whether to tear the session down.
var ErrShortPayload = errors.New("raw payload shorter than clipped rectangle")

// ApplyBatch applies a batch of rectangle updates to the framebuffer, in
// arrival order. Later rectangles may overwrite earlier ones and copy-rect
// sources see the effect of earlier rectangles in the same batch; both are
// intentional (last-write-wins, per-rectangle sequential processing).
//
// Regions extending past the framebuffer edge are clipped: the in-range
// portion is written and the rest is dropped without error. A partially
// visible rectangle is a normal transient condition, not a fault, so
// clipping is never escalated.
func ApplyBatch(fb *Framebuffer, rects []RectUpdate) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for i := range rects {
		r := &rects[i]
		var err error
		if r.Copy != nil {
			applyCopy(fb, r)
		} else {
			err = applyRaw(fb, r)
		}
		if err != nil {
			return fmt.Errorf("rect %d (%s): %w", i, r, err)
		}
	}
	return nil
}

// clip returns the number of columns and rows of an extent starting at pos
// that fall within bound. Zero means the extent is entirely out of range.
func clip(pos, extent, bound uint32) uint32 {
	if pos >= bound {
		return 0
	}
	if avail := bound - pos; extent > avail {
		return avail
	}
	return extent
}

func applyRaw(fb *Framebuffer, r *RectUpdate) error {
	clipW := clip(r.X, r.Width, fb.width)
	clipH := clip(r.Y, r.Height, fb.height)
	if clipW == 0 || clipH == 0 {
		return nil
	}

	// The payload is laid out at the unclipped rectangle's stride; when the
	// rectangle hangs past the right edge each payload row is only partially
	// consumed, so rows must be copied individually. A single copy across
	// the whole rectangle is only valid when no clipping occurred.
	srcStride := int(r.Width) * bytesPerPixel
	rowLen := int(clipW) * bytesPerPixel
	need := (int(clipH)-1)*srcStride + rowLen
	if len(r.Raw) < need {
		return fmt.Errorf("%w: have %d bytes, need %d", ErrShortPayload, len(r.Raw), need)
	}

	for row := uint32(0); row < clipH; row++ {
		src := int(row) * srcStride
		dst := fb.rowOffset(r.X, r.Y+row)
		copy(fb.pix[dst:dst+rowLen], r.Raw[src:src+rowLen])
	}
	return nil
}

func applyCopy(fb *Framebuffer, r *RectUpdate) {
	// Clip against both the destination and the source position; whatever
	// survives both is the region actually moved. An entirely out-of-range
	// source produces no writes.
	clipW := min(clip(r.X, r.Width, fb.width), clip(r.Copy.X, r.Width, fb.width))
	clipH := min(clip(r.Y, r.Height, fb.height), clip(r.Copy.Y, r.Height, fb.height))
	if clipW == 0 || clipH == 0 {
		return
	}

	// Read the whole source region out before writing anything. Source and
	// destination may overlap (window drags routinely shift a region by a
	// few pixels), and an in-place copy would read bytes it had already
	// overwritten.
	rowLen := int(clipW) * bytesPerPixel
	scratch := make([]byte, int(clipH)*rowLen)
	for row := uint32(0); row < clipH; row++ {
		src := fb.rowOffset(r.Copy.X, r.Copy.Y+row)
		copy(scratch[int(row)*rowLen:], fb.pix[src:src+rowLen])
	}
	for row := uint32(0); row < clipH; row++ {
		dst := fb.rowOffset(r.X, r.Y+row)
		copy(fb.pix[dst:dst+rowLen], scratch[int(row)*rowLen:int(row+1)*rowLen])
	}
}
