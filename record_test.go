package rfbview

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderWritesPlayableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.avi")
	rec := NewRecorder(RecorderConfig{Path: path, FPS: 10})

	snap := &Snapshot{Width: 8, Height: 8, Pix: solidPayload(8, 8, [4]byte{0, 0, 0xFF, 0xFF})}
	rec.Publish(snap)
	rec.Publish(snap)

	require.NoError(t, rec.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestRecorderDownscales(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scaled.avi")
	rec := NewRecorder(RecorderConfig{Path: path, Scale: 0.5})

	rec.Publish(&Snapshot{Width: 16, Height: 16, Pix: solidPayload(16, 16, [4]byte{1, 2, 3, 0xFF})})
	require.NoError(t, rec.Close())

	assert.Equal(t, int32(8), rec.width)
	assert.Equal(t, int32(8), rec.height)
}

func TestRecorderCloseWithoutFramesIsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.avi")
	rec := NewRecorder(RecorderConfig{Path: path})
	require.NoError(t, rec.Close())

	// No frame ever arrived, so no file is created at all.
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestRecorderPublishAfterCloseIsNoop(t *testing.T) {
	rec := NewRecorder(RecorderConfig{Path: filepath.Join(t.TempDir(), "late.avi")})
	require.NoError(t, rec.Close())

	done := make(chan struct{})
	go func() {
		rec.Publish(&Snapshot{Width: 2, Height: 2, Pix: make([]byte, 16)})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish after close blocked")
	}
}
