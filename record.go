package rfbview

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/icza/mjpeg"
	"github.com/nfnt/resize"

	"github.com/bigangryrobot/rfbview/logger"
)

// RecorderConfig configures a session recorder.
type RecorderConfig struct {
	// Path is the output AVI file.
	Path string

	// FPS is the nominal frame rate written into the container. Zero
	// means 30, matching the engine's default publish rate.
	FPS int32

	// Scale shrinks recorded frames by the given factor in (0, 1].
	// Zero or one records at full resolution.
	Scale float64

	// Quality is the JPEG quality for each frame, 1-100. Zero means 75.
	Quality int
}

// Recorder appends published snapshots to an MJPEG AVI file. Hook its
// Publish method up as the engine's OnPublish callback.
//
// Frames are encoded on a dedicated goroutine; if encoding falls behind the
// publish rate, frames are dropped rather than stalling the publish path.
type Recorder struct {
	cfg    RecorderConfig
	frames chan *Snapshot
	done   chan struct{}

	mu     sync.Mutex
	aw     mjpeg.AviWriter
	width  int32
	height int32
	closed bool
	count  int
}

// NewRecorder starts a recorder writing to cfg.Path. The file itself is
// created when the first frame arrives, since the frame dimensions are not
// known until then.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Quality <= 0 {
		cfg.Quality = 75
	}
	if cfg.Scale <= 0 || cfg.Scale > 1 {
		cfg.Scale = 1
	}
	r := &Recorder{
		cfg:    cfg,
		frames: make(chan *Snapshot, 4),
		done:   make(chan struct{}),
	}
	go r.encodeLoop()
	return r
}

// Publish queues a snapshot for recording. Never blocks; a frame is dropped
// when the encoder is still busy with earlier ones.
func (r *Recorder) Publish(s *Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.frames <- s:
	default:
		logger.Debug("recorder busy, dropping frame")
	}
}

func (r *Recorder) encodeLoop() {
	defer close(r.done)
	for s := range r.frames {
		if err := r.encodeFrame(s); err != nil {
			logger.Errorf("recorder: %v", err)
		}
	}
}

func (r *Recorder) encodeFrame(s *Snapshot) error {
	var img image.Image = s.RGBA()
	if r.cfg.Scale < 1 {
		w := uint(float64(s.Width) * r.cfg.Scale)
		img = resize.Resize(w, 0, img, resize.Bilinear)
	}
	bounds := img.Bounds()

	// aw and count are touched only by this goroutine; Close waits for the
	// encode loop to drain before finalizing the file.
	if r.aw == nil {
		aw, err := mjpeg.New(r.cfg.Path, int32(bounds.Dx()), int32(bounds.Dy()), r.cfg.FPS)
		if err != nil {
			return fmt.Errorf("creating %s: %w", r.cfg.Path, err)
		}
		r.aw = aw
		r.width = int32(bounds.Dx())
		r.height = int32(bounds.Dy())
		logger.Infof("recording %dx%d at %d fps to %s", r.width, r.height, r.cfg.FPS, r.cfg.Path)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.cfg.Quality}); err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := r.aw.AddFrame(buf.Bytes()); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	r.count++
	return nil
}

// Close drains queued frames and finalizes the AVI index. The file is only
// playable after a successful Close.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.frames)
	<-r.done

	if r.aw == nil {
		return nil
	}
	logger.Infof("recorded %d frames to %s", r.count, r.cfg.Path)
	return r.aw.Close()
}
