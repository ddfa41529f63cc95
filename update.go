package rfbview

import "fmt"

// CopySource identifies the top-left corner of the region a copy-rect update
// reads from. The source region always has the same size as the update's
// destination rectangle.
type CopySource struct {
	X, Y uint32
}

// RectUpdate describes one decoded rectangle from a framebuffer update
// message: a destination region within the framebuffer plus either raw pixel
// bytes or a copy-from-elsewhere instruction. Exactly one of Raw and Copy is
// set. Updates are transient; the applier consumes them and they are never
// retained.
type RectUpdate struct {
	X, Y          uint32
	Width, Height uint32

	// Raw holds exactly Width*Height*4 bytes in the framebuffer's pixel
	// layout when the rectangle carried the Raw encoding.
	Raw []byte

	// Copy holds the source position when the rectangle carried the
	// CopyRect encoding.
	Copy *CopySource
}

// String returns a short description of the update, used in debug logs.
func (r *RectUpdate) String() string {
	if r.Copy != nil {
		return fmt.Sprintf("copyrect dst: (%d,%d) %dx%d src: (%d,%d)",
			r.X, r.Y, r.Width, r.Height, r.Copy.X, r.Copy.Y)
	}
	return fmt.Sprintf("raw dst: (%d,%d) %dx%d payload: %d bytes",
		r.X, r.Y, r.Width, r.Height, len(r.Raw))
}

// Area returns the unclipped rectangle area in pixels.
func (r *RectUpdate) Area() int { return int(r.Width) * int(r.Height) }
