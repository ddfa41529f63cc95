package rfbview

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource is a scripted Source for engine tests; it records what the
// engine asks of it.
type fakeSource struct {
	mu         sync.Mutex
	desc       Descriptor
	connectErr error
	requests   int
	closes     int
	pointer    []struct {
		x, y uint16
		mask ButtonMask
	}
}

func (f *fakeSource) Connect(ctx context.Context) (Descriptor, error) {
	if f.connectErr != nil {
		return Descriptor{}, f.connectErr
	}
	return f.desc, nil
}

func (f *fakeSource) RequestUpdate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	return nil
}

func (f *fakeSource) SendPointerEvent(x, y uint16, mask ButtonMask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pointer = append(f.pointer, struct {
		x, y uint16
		mask ButtonMask
	}{x, y, mask})
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeSource) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func drainStates(e *Engine) []ConnState {
	var out []ConnState
	for {
		select {
		case c := <-e.States():
			out = append(out, c.State)
		default:
			return out
		}
	}
}

func connectedEngine(t *testing.T, src *fakeSource, publishCh chan *Snapshot) *Engine {
	t.Helper()
	e := New(Config{
		Source:          src,
		PublishInterval: time.Nanosecond,
		OnPublish: func(s *Snapshot) {
			if publishCh != nil {
				publishCh <- s
			}
		},
	})
	require.NoError(t, e.Connect(context.Background()))
	return e
}

func TestEngineConnectAllocatesAndNotifies(t *testing.T) {
	src := &fakeSource{desc: Descriptor{Width: 4, Height: 4, Name: "test"}}
	e := connectedEngine(t, src, nil)
	defer e.Close()

	w, h := e.Dimensions()
	assert.Equal(t, uint32(4), w)
	assert.Equal(t, uint32(4), h)
	assert.Nil(t, e.CurrentSnapshot(), "no snapshot before first publish")
	assert.Equal(t, 1, src.requestCount(), "connect primes exactly one update request")
	assert.Equal(t, []ConnState{StateConnecting, StateConnected}, drainStates(e))
}

func TestEngineConnectFailureSurfacesError(t *testing.T) {
	src := &fakeSource{connectErr: errors.New("refused")}
	e := New(Config{Source: src})

	err := e.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, []ConnState{StateConnecting, StateError}, drainStates(e))
}

func TestEngineHandleBatchAppliesAndPublishes(t *testing.T) {
	src := &fakeSource{desc: Descriptor{Width: 2, Height: 2}}
	publishCh := make(chan *Snapshot, 4)
	e := connectedEngine(t, src, publishCh)
	defer e.Close()

	payload := solidPayload(2, 2, [4]byte{0x00, 0x00, 0xFF, 0xFF})
	require.NoError(t, e.HandleBatch([]RectUpdate{{X: 0, Y: 0, Width: 2, Height: 2, Raw: payload}}))

	select {
	case snap := <-publishCh:
		assert.Equal(t, payload, snap.Pix)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot published")
	}

	assert.Eventually(t, func() bool {
		return e.CurrentSnapshot() != nil
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, payload, e.CurrentSnapshot().Pix)
	// Connect, post-batch and post-publish requests.
	assert.GreaterOrEqual(t, src.requestCount(), 3)
}

func TestEngineConcurrentApplyAndPublish(t *testing.T) {
	src := &fakeSource{desc: Descriptor{Width: 16, Height: 16}}
	e := connectedEngine(t, src, nil)
	defer e.Close()

	// With a nanosecond interval every batch leaves a decode in flight on a
	// scheduler goroutine, so the snapshot copy taken there overlaps the row
	// writes of the next batch here. Both sides share the pixel buffer and
	// must serialize on its lock.
	payload := solidPayload(16, 1, [4]byte{0xAA, 0xBB, 0xCC, 0xFF})
	for i := 0; i < 500; i++ {
		row := uint32(i % 16)
		require.NoError(t, e.HandleBatch([]RectUpdate{
			{X: 0, Y: row, Width: 16, Height: 1, Raw: payload},
		}))
	}

	assert.Eventually(t, func() bool {
		snap := e.CurrentSnapshot()
		return snap != nil && snap.Pix[0] == 0xAA
	}, 2*time.Second, time.Millisecond)
}

func TestEngineHandleBatchWhenDisconnected(t *testing.T) {
	e := New(Config{Source: &fakeSource{}})
	err := e.HandleBatch([]RectUpdate{{X: 0, Y: 0, Width: 1, Height: 1, Raw: make([]byte, 4)}})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEngineProtocolViolationKeepsSessionUsable(t *testing.T) {
	src := &fakeSource{desc: Descriptor{Width: 2, Height: 2}}
	e := connectedEngine(t, src, nil)
	defer e.Close()

	err := e.HandleBatch([]RectUpdate{{X: 0, Y: 0, Width: 2, Height: 2, Raw: []byte{1}}})
	require.ErrorIs(t, err, ErrShortPayload)

	// The violation is recoverable: the connection layer decides what to
	// do, and the engine keeps accepting well-formed batches.
	good := []RectUpdate{{X: 0, Y: 0, Width: 1, Height: 1, Raw: make([]byte, 4)}}
	assert.NoError(t, e.HandleBatch(good))
}

func TestEnginePointerEventsAreClamped(t *testing.T) {
	src := &fakeSource{desc: Descriptor{Width: 4, Height: 4}}
	e := connectedEngine(t, src, nil)
	defer e.Close()

	require.NoError(t, e.SendPointerEvent(-5, 900, ButtonLeft))
	require.NoError(t, e.SendPointerEvent(2, 3, 0))

	src.mu.Lock()
	defer src.mu.Unlock()
	require.Len(t, src.pointer, 2)
	assert.Equal(t, uint16(0), src.pointer[0].x)
	assert.Equal(t, uint16(3), src.pointer[0].y)
	assert.Equal(t, ButtonLeft, src.pointer[0].mask)
	assert.Equal(t, uint16(2), src.pointer[1].x)
}

func TestEnginePauseSuspendsPublishingNotApplying(t *testing.T) {
	src := &fakeSource{desc: Descriptor{Width: 2, Height: 1}}
	publishCh := make(chan *Snapshot, 4)
	e := connectedEngine(t, src, publishCh)
	defer e.Close()

	e.PauseRendering()
	require.NoError(t, e.HandleBatch([]RectUpdate{
		{X: 0, Y: 0, Width: 2, Height: 1, Raw: solidPayload(2, 1, [4]byte{1, 1, 1, 1})},
	}))
	require.NoError(t, e.HandleBatch([]RectUpdate{
		{X: 0, Y: 0, Width: 1, Height: 1, Raw: solidPayload(1, 1, [4]byte{2, 2, 2, 2})},
	}))

	select {
	case <-publishCh:
		t.Fatal("published while paused")
	case <-time.After(50 * time.Millisecond):
	}

	// Resume publishes the union of everything applied while paused.
	e.ResumeRendering()
	select {
	case snap := <-publishCh:
		assert.Equal(t, []byte{2, 2, 2, 2, 1, 1, 1, 1}, snap.Pix)
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot after resume")
	}
}

func TestEngineFatalMaterializationTearsSessionDown(t *testing.T) {
	src := &fakeSource{desc: Descriptor{Width: 2, Height: 2}}
	e := connectedEngine(t, src, nil)
	defer e.Close()
	drainStates(e)

	// Corrupt the store so it disagrees with the descriptor; the batch
	// below touches nothing (fully out of range) but still triggers a
	// publish attempt.
	e.mu.Lock()
	e.fb.pix = e.fb.pix[:8]
	e.mu.Unlock()

	err := e.HandleBatch([]RectUpdate{{X: 100, Y: 100, Width: 1, Height: 1, Raw: make([]byte, 4)}})
	require.NoError(t, err, "the apply itself is clean")

	assert.Eventually(t, func() bool {
		for _, s := range drainStates(e) {
			if s == StateError {
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond)

	// After a fatal error the engine is inert until a fresh Connect.
	err = e.HandleBatch([]RectUpdate{{X: 100, Y: 100, Width: 1, Height: 1, Raw: make([]byte, 4)}})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEngineTransportErrorDiscardsSchedulerState(t *testing.T) {
	src := &fakeSource{desc: Descriptor{Width: 2, Height: 2}}
	e := connectedEngine(t, src, nil)
	drainStates(e)

	e.HandleTransportError(errors.New("stream closed"))
	assert.Equal(t, []ConnState{StateError}, drainStates(e))

	err := e.HandleBatch([]RectUpdate{{X: 0, Y: 0, Width: 1, Height: 1, Raw: make([]byte, 4)}})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEngineCloseThenReconnect(t *testing.T) {
	src := &fakeSource{desc: Descriptor{Width: 2, Height: 2}}
	e := connectedEngine(t, src, nil)

	require.NoError(t, e.Close())
	src.mu.Lock()
	closes := src.closes
	src.mu.Unlock()
	assert.Equal(t, 1, closes)

	w, h := e.Dimensions()
	assert.Zero(t, w)
	assert.Zero(t, h)
	assert.Nil(t, e.CurrentSnapshot())

	// Reconnection rebuilds engine state from scratch.
	require.NoError(t, e.Connect(context.Background()))
	w, h = e.Dimensions()
	assert.Equal(t, uint32(2), w)
	assert.Equal(t, uint32(2), h)
	require.NoError(t, e.Close())
}
