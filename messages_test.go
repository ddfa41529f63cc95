package rfbview

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// updateBody builds the body of a FramebufferUpdate message (everything
// after the type byte) containing the given raw rectangle headers.
func updateBody(t *testing.T, numRects uint16, rects ...[4]uint16) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteByte(0) // padding
	require.NoError(t, binary.Write(&buf, binary.BigEndian, numRects))
	for _, r := range rects {
		for _, v := range r {
			require.NoError(t, binary.Write(&buf, binary.BigEndian, v))
		}
		require.NoError(t, binary.Write(&buf, binary.BigEndian, int32(EncRaw)))
	}
	return &buf
}

func TestReadUpdateBatchRejectsOversizedRect(t *testing.T) {
	desc := Descriptor{Width: 640, Height: 480}

	// A header claiming a 65535x65535 raw rectangle would demand a ~17 GB
	// payload buffer. The reader must reject it from the header alone; the
	// buffer deliberately contains no payload bytes at all.
	body := updateBody(t, 1, [4]uint16{0, 0, 0xFFFF, 0xFFFF})
	_, err := readUpdateBatch(body, desc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestReadUpdateBatchRejectsAbsurdRectCount(t *testing.T) {
	body := updateBody(t, 0xFFFF)
	_, err := readUpdateBatch(body, Descriptor{Width: 4, Height: 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestReadUpdateBatchAcceptsOverhangingRect(t *testing.T) {
	desc := Descriptor{Width: 4, Height: 4}

	// A rectangle hanging past the right edge is a normal transient; its
	// area is within the screen's, so it parses and clipping handles the
	// rest downstream.
	body := updateBody(t, 1, [4]uint16{2, 0, 2, 2})
	body.Write(make([]byte, 2*2*bytesPerPixel))

	rects, err := readUpdateBatch(body, desc)
	require.NoError(t, err)
	require.Len(t, rects, 1)
	assert.Equal(t, uint32(2), rects[0].X)
	assert.Len(t, rects[0].Raw, 16)
}
