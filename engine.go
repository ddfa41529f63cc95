package rfbview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bigangryrobot/rfbview/logger"
)

// ConnState enumerates the externally visible session states.
type ConnState int

const (
	// StateDisconnected is the initial state and the state after a clean
	// Close.
	StateDisconnected ConnState = iota
	// StateConnecting is set while the handshake runs.
	StateConnecting
	// StateConnected is set once the descriptor is known and updates flow.
	StateConnected
	// StateError is terminal for the session; the only recovery path is a
	// fresh Connect cycle, which reallocates all engine state.
	StateError
)

// String implements the fmt.Stringer interface.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// StateChange is one transition on the engine's notification channel.
// Message is non-empty only for StateError.
type StateChange struct {
	State   ConnState
	Message string
}

// ErrNotConnected is returned by operations that require a live session.
var ErrNotConnected = errors.New("engine is not connected")

// Config configures an Engine.
type Config struct {
	// Source is the transport the engine pulls update batches from.
	Source Source

	// PublishInterval is the minimum time between published snapshots.
	// Zero selects DefaultPublishInterval.
	PublishInterval time.Duration

	// OnPublish, when set, is invoked with each snapshot as it is
	// installed. It runs on the decode goroutine; implementations that do
	// slow work (video recording, disk writes) should hand off internally.
	OnPublish func(*Snapshot)
}

// Engine is the framebuffer reconstruction engine: it owns the canonical
// pixel store, applies incoming rectangle batches to it, and republishes
// render-ready snapshots at a bounded rate.
//
// Batches must be handed to HandleBatch sequentially; the transport's read
// loop naturally provides that. Everything else (snapshot access, pointer
// events, pause and resume, teardown) is safe to call from any goroutine.
type Engine struct {
	cfg Config

	mu       sync.Mutex
	state    ConnState
	fb       *Framebuffer
	sched    *Scheduler
	snapshot *Snapshot
	closed   bool

	stateCh chan StateChange
}

// New builds an engine around the given transport.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:     cfg,
		state:   StateDisconnected,
		stateCh: make(chan StateChange, 16),
	}
}

// SetSource attaches the transport the engine pulls batches from. It exists
// because the transport usually needs the engine as its batch handler, which
// makes construction circular; call it before Connect. A Source provided in
// the Config wins.
func (e *Engine) SetSource(s Source) {
	if e.cfg.Source == nil {
		e.cfg.Source = s
	}
}

// States returns the channel connection-state transitions are published on.
// The channel is buffered; if the consumer falls far behind, the oldest
// notifications are dropped rather than blocking the engine.
func (e *Engine) States() <-chan StateChange { return e.stateCh }

func (e *Engine) setState(s ConnState, msg string) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	change := StateChange{State: s, Message: msg}
	for {
		select {
		case e.stateCh <- change:
			return
		default:
			// Drop the oldest entry to make room.
			select {
			case <-e.stateCh:
			default:
			}
		}
	}
}

// Connect runs the transport handshake and allocates a fresh framebuffer
// sized to the negotiated dimensions. Any previous session state is
// discarded first, so reconnecting after an error always starts clean.
func (e *Engine) Connect(ctx context.Context) error {
	if e.cfg.Source == nil {
		return errors.New("engine has no source")
	}
	e.teardown()

	e.setState(StateConnecting, "")
	desc, err := e.cfg.Source.Connect(ctx)
	if err != nil {
		e.setState(StateError, fmt.Sprintf("connect failed: %v", err))
		return fmt.Errorf("connect: %w", err)
	}

	fb, err := NewFramebuffer(desc.Width, desc.Height)
	if err != nil {
		e.setState(StateError, fmt.Sprintf("framebuffer allocation failed: %v", err))
		return fmt.Errorf("connect: %w", err)
	}

	e.mu.Lock()
	e.fb = fb
	e.snapshot = nil
	e.closed = false
	e.sched = NewScheduler(e.cfg.PublishInterval, e.materialize, e.installSnapshot, e.fatal)
	e.mu.Unlock()

	logger.Infof("connected to %q, framebuffer %dx%d", desc.Name, desc.Width, desc.Height)
	e.setState(StateConnected, "")

	// Prime the pump: the source delivers nothing until asked.
	return e.cfg.Source.RequestUpdate()
}

// HandleBatch applies one batch of rectangle updates to the framebuffer and
// lets the scheduler decide whether to publish now or coalesce. The source's
// read loop calls this once per decoded update message.
//
// A protocol violation (raw payload too short for its rectangle) aborts the
// batch and is returned to the caller; the connection layer decides whether
// to tear the session down. The engine itself stays usable.
func (e *Engine) HandleBatch(rects []RectUpdate) error {
	e.mu.Lock()
	if e.state != StateConnected || e.fb == nil {
		e.mu.Unlock()
		return ErrNotConnected
	}
	fb, sched := e.fb, e.sched
	e.mu.Unlock()

	if err := ApplyBatch(fb, rects); err != nil {
		logger.Errorf("batch aborted: %v", err)
		return err
	}
	sched.BatchApplied()

	// Pull-based backpressure: only after the batch is fully applied and
	// the publish decision is made does the source get to read the next
	// one.
	return e.cfg.Source.RequestUpdate()
}

// materialize freezes the current framebuffer into a snapshot. Runs under
// the scheduler at publish start.
func (e *Engine) materialize() (*Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fb == nil {
		return nil, ErrNotConnected
	}
	want := int(e.fb.Width()) * int(e.fb.Height()) * bytesPerPixel
	if len(e.fb.Bytes()) != want {
		return nil, fmt.Errorf("framebuffer is %d bytes, descriptor says %d", len(e.fb.Bytes()), want)
	}
	return &Snapshot{
		Width:  e.fb.Width(),
		Height: e.fb.Height(),
		Pix:    e.fb.CopyBytes(),
	}, nil
}

// installSnapshot publishes a materialized frame: the previous snapshot is
// released, the consumer is notified, and the source is told the engine is
// ready for more data.
func (e *Engine) installSnapshot(snap *Snapshot) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.snapshot = snap
	e.mu.Unlock()

	// Signal readiness for more data before notifying the consumer, so a
	// slow consumer callback cannot stall the update stream.
	if err := e.cfg.Source.RequestUpdate(); err != nil {
		logger.Debugf("update request after publish failed: %v", err)
	}
	if e.cfg.OnPublish != nil {
		e.cfg.OnPublish(snap)
	}
}

// fatal handles an unrecoverable materialization failure: the session moves
// to StateError and every further engine operation is a no-op until a fresh
// Connect.
func (e *Engine) fatal(err error) {
	logger.Errorf("fatal engine error: %v", err)
	e.mu.Lock()
	sched := e.sched
	e.closed = true
	e.mu.Unlock()
	// Scheduler calls happen off the engine lock: the scheduler itself
	// takes the engine lock during materialization.
	if sched != nil {
		sched.Close()
	}
	e.setState(StateError, err.Error())
}

// HandleTransportError is called by the transport when its read loop dies.
// All in-flight scheduler state is discarded.
func (e *Engine) HandleTransportError(err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	sched := e.sched
	e.closed = true
	e.mu.Unlock()
	if sched != nil {
		sched.Close()
	}
	e.setState(StateError, fmt.Sprintf("transport failed: %v", err))
}

// CurrentSnapshot returns the latest published frame, or nil before the
// first publish.
func (e *Engine) CurrentSnapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// Dimensions returns the negotiated framebuffer dimensions, or zeros when
// disconnected.
func (e *Engine) Dimensions() (uint32, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fb == nil {
		return 0, 0
	}
	return e.fb.Width(), e.fb.Height()
}

// PauseRendering suspends snapshot publishing. The framebuffer keeps
// absorbing updates; the UI uses this to keep high-frequency gestures
// smooth.
func (e *Engine) PauseRendering() {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched != nil {
		sched.Pause()
	}
}

// ResumeRendering re-enables publishing; anything applied while paused is
// published on the next cycle.
func (e *Engine) ResumeRendering() {
	e.mu.Lock()
	sched := e.sched
	e.mu.Unlock()
	if sched != nil {
		sched.Resume()
	}
}

// SendPointerEvent forwards a pointer event to the remote side. Coordinates
// are clamped to the framebuffer bounds before transmission.
func (e *Engine) SendPointerEvent(x, y int, mask ButtonMask) error {
	e.mu.Lock()
	if e.state != StateConnected || e.fb == nil {
		e.mu.Unlock()
		return ErrNotConnected
	}
	w, h := e.fb.Width(), e.fb.Height()
	e.mu.Unlock()

	cx := clampCoord(x, w)
	cy := clampCoord(y, h)
	return e.cfg.Source.SendPointerEvent(cx, cy, mask)
}

func clampCoord(v int, bound uint32) uint16 {
	if v < 0 {
		return 0
	}
	if uint32(v) >= bound {
		v = int(bound) - 1
	}
	return uint16(v)
}

// Close tears the session down: the scheduler's deferred timer is cancelled,
// late decode results are discarded, the transport is closed, and the pixel
// store is released. Safe to call multiple times.
func (e *Engine) Close() error {
	err := e.teardown()
	e.setState(StateDisconnected, "")
	return err
}

func (e *Engine) teardown() error {
	e.mu.Lock()
	sched := e.sched
	e.sched = nil
	e.fb = nil
	e.snapshot = nil
	e.closed = true
	e.mu.Unlock()

	if sched == nil {
		return nil
	}
	sched.Close()
	return e.cfg.Source.Close()
}
