package rfbview

import "image"

// Snapshot is a render-ready frame materialized from the framebuffer at a
// point in time. It owns a private copy of the pixel data: once produced it
// is immutable and safe to hand across goroutines. The engine keeps at most
// one installed snapshot; the previous one is released when a new one is
// installed.
type Snapshot struct {
	Width  uint32
	Height uint32

	// Pix holds Width*Height*4 bytes in the framebuffer's native layout
	// (B, G, R, A per pixel, row-major).
	Pix []byte
}

// RGBA decodes the snapshot into a standard image, swizzling the stored
// B,G,R,A channel order into R,G,B,A. This is the per-publish decode work
// the scheduler bounds; rendering backends that accept the native layout
// directly can use Pix and skip it.
func (s *Snapshot) RGBA() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, int(s.Width), int(s.Height)))
	for i := 0; i+3 < len(s.Pix); i += 4 {
		img.Pix[i+0] = s.Pix[i+2]
		img.Pix[i+1] = s.Pix[i+1]
		img.Pix[i+2] = s.Pix[i+0]
		img.Pix[i+3] = 0xff
	}
	return img
}
