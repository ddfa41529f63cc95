package rfbview

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ButtonMask represents the state of the pointer buttons, one bit per
// button. Bit 0 is the left button.
type ButtonMask uint8

// Button mask constants for the standard buttons and scroll wheel.
const (
	ButtonLeft ButtonMask = 1 << iota
	ButtonMiddle
	ButtonRight
	ButtonScrollUp
	ButtonScrollDown
)

// Key is an X11 keysym carried in a key event.
type Key uint32

// Client-to-server message types.
const (
	msgSetPixelFormat           uint8 = 0
	msgSetEncodings             uint8 = 2
	msgFramebufferUpdateRequest uint8 = 3
	msgKeyEvent                 uint8 = 4
	msgPointerEvent             uint8 = 5
)

// Server-to-client message types.
const (
	msgFramebufferUpdate   uint8 = 0
	msgSetColourMapEntries uint8 = 1
	msgBell                uint8 = 2
	msgServerCutText       uint8 = 3
)

// EncodingType identifies a rectangle encoding on the wire.
type EncodingType int32

// The two framebuffer encodings this client consumes. Everything else is
// negotiated away by only ever advertising these.
const (
	EncRaw      EncodingType = 0
	EncCopyRect EncodingType = 1
)

// PixelFormat describes how a pixel is laid out on the wire.
type PixelFormat struct {
	BPP                             uint8
	Depth                           uint8
	BigEndian                       uint8
	TrueColor                       uint8
	RedMax, GreenMax, BlueMax       uint16
	RedShift, GreenShift, BlueShift uint8
	_                               [3]byte // padding
}

// DefaultPixelFormat is the fixed format this client requests: 32bpp
// little-endian true colour with red at shift 16, which puts B, G, R, X in
// memory in that order. It matches the framebuffer's native layout exactly,
// so raw payloads are copied into the store without any channel work.
var DefaultPixelFormat = PixelFormat{
	BPP: 32, Depth: 24, BigEndian: 0, TrueColor: 1,
	RedMax: 255, GreenMax: 255, BlueMax: 255,
	RedShift: 16, GreenShift: 8, BlueShift: 0,
}

// String implements the fmt.Stringer interface.
func (pf PixelFormat) String() string {
	return fmt.Sprintf("{ bpp: %d depth: %d big-endian: %d true-color: %d red-max: %d green-max: %d blue-max: %d red-shift: %d green-shift: %d blue-shift: %d }",
		pf.BPP, pf.Depth, pf.BigEndian, pf.TrueColor, pf.RedMax, pf.GreenMax, pf.BlueMax, pf.RedShift, pf.GreenShift, pf.BlueShift)
}

// --- Client message writers ---

func writeSetPixelFormat(w io.Writer, pf PixelFormat) error {
	buf := []byte{msgSetPixelFormat, 0, 0, 0}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, pf)
}

func writeSetEncodings(w io.Writer, encs []EncodingType) error {
	buf := []byte{msgSetEncodings, 0}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(encs))); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, encs)
}

func writeFramebufferUpdateRequest(w io.Writer, incremental uint8, x, y, width, height uint16) error {
	buf := []byte{
		msgFramebufferUpdateRequest, incremental,
		byte(x >> 8), byte(x), byte(y >> 8), byte(y),
		byte(width >> 8), byte(width), byte(height >> 8), byte(height),
	}
	_, err := w.Write(buf)
	return err
}

func writePointerEvent(w io.Writer, x, y uint16, mask ButtonMask) error {
	buf := []byte{msgPointerEvent, byte(mask), byte(x >> 8), byte(x), byte(y >> 8), byte(y)}
	_, err := w.Write(buf)
	return err
}

func writeKeyEvent(w io.Writer, down uint8, key Key) error {
	buf := []byte{msgKeyEvent, down, 0, 0, byte(key >> 24), byte(key >> 16), byte(key >> 8), byte(key)}
	_, err := w.Write(buf)
	return err
}

// --- Server message readers ---

// maxRectsPerUpdate bounds the rectangle count of a single update message.
// No sane server batches anywhere near this many rectangles; a larger count
// is a malformed or hostile stream.
const maxRectsPerUpdate = 10000

// readUpdateBatch parses the body of a FramebufferUpdate message (the type
// byte has already been consumed) into a batch of rectangle updates. Only
// Raw and CopyRect rectangles can appear since those are the only encodings
// the client advertises; anything else means the server is misbehaving and
// the stream position is lost.
//
// Wire values are validated against the negotiated descriptor before any
// payload allocation: a hostile header must not be able to demand gigabytes
// of memory. A rectangle may hang past the screen edge (that is normal and
// handled by clipping), but its area can never exceed the screen's.
func readUpdateBatch(r io.Reader, desc Descriptor) ([]RectUpdate, error) {
	var pad [1]byte
	if _, err := io.ReadFull(r, pad[:]); err != nil {
		return nil, err
	}
	var numRects uint16
	if err := binary.Read(r, binary.BigEndian, &numRects); err != nil {
		return nil, err
	}
	if numRects > maxRectsPerUpdate {
		return nil, fmt.Errorf("update declares %d rectangles, limit is %d", numRects, maxRectsPerUpdate)
	}

	maxArea := int(desc.Width) * int(desc.Height)
	rects := make([]RectUpdate, 0, numRects)
	for i := uint16(0); i < numRects; i++ {
		var hdr struct {
			X, Y, Width, Height uint16
		}
		if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
			return nil, fmt.Errorf("rect %d header: %w", i, err)
		}
		var encType EncodingType
		if err := binary.Read(r, binary.BigEndian, &encType); err != nil {
			return nil, fmt.Errorf("rect %d encoding: %w", i, err)
		}

		rect := RectUpdate{
			X: uint32(hdr.X), Y: uint32(hdr.Y),
			Width: uint32(hdr.Width), Height: uint32(hdr.Height),
		}
		if rect.Area() > maxArea {
			return nil, fmt.Errorf("rect %d (%s) exceeds the %dx%d screen", i, &rect, desc.Width, desc.Height)
		}
		switch encType {
		case EncRaw:
			payload := make([]byte, rect.Area()*bytesPerPixel)
			if _, err := io.ReadFull(r, payload); err != nil {
				return nil, fmt.Errorf("rect %d raw payload: %w", i, err)
			}
			rect.Raw = payload
		case EncCopyRect:
			var src struct{ X, Y uint16 }
			if err := binary.Read(r, binary.BigEndian, &src); err != nil {
				return nil, fmt.Errorf("rect %d copy source: %w", i, err)
			}
			rect.Copy = &CopySource{X: uint32(src.X), Y: uint32(src.Y)}
		default:
			return nil, fmt.Errorf("unsupported encoding %d in rect %d", encType, i)
		}
		rects = append(rects, rect)
	}
	return rects, nil
}

// skipColourMapEntries consumes a SetColourMapEntries message body. The
// client requests true colour, but some servers send an initial palette
// anyway; it is read and discarded to keep the stream in sync.
func skipColourMapEntries(r io.Reader) error {
	var hdr struct {
		_          [1]byte
		FirstColor uint16
		NumColors  uint16
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return err
	}
	_, err := io.CopyN(io.Discard, r, int64(hdr.NumColors)*6)
	return err
}

// skipServerCutText consumes a ServerCutText message body. Clipboard
// transfer is out of scope for this client; the payload is discarded.
func skipServerCutText(r io.Reader) error {
	var hdr struct {
		_      [3]byte
		Length uint32
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return err
	}
	_, err := io.CopyN(io.Discard, r, int64(hdr.Length))
	return err
}
