package rfbview

import (
	"sync"
	"time"
)

// DefaultPublishInterval is the minimum time between published snapshots,
// bounding the frame rate at roughly 30 frames per second.
const DefaultPublishInterval = 33 * time.Millisecond

type schedulerState int

const (
	// schedIdle: nothing pending, nothing in flight.
	schedIdle schedulerState = iota
	// schedPending: a coalesced publish is waiting on the deferred timer.
	schedPending
	// schedDecoding: a snapshot materialization is in flight.
	schedDecoding
)

// Scheduler decides when the mutated framebuffer is materialized into a
// snapshot. It enforces a minimum inter-publish interval, coalesces bursts
// of batches that arrive faster than that interval into a single eventual
// publish, and never allows two materializations to run concurrently.
//
// The framebuffer itself always absorbs every batch; only publish cycles are
// coalesced, so the published frame rate is bounded while the store still
// reflects the union of all applied batches.
type Scheduler struct {
	// materialize produces a snapshot of the framebuffer's current state.
	// It runs synchronously at publish start, so the snapshot reflects
	// everything applied before the decision and nothing applied after.
	materialize func() (*Snapshot, error)

	// install hands a finished snapshot to the consumer. It runs on the
	// decode goroutine, outside the scheduler lock.
	install func(*Snapshot)

	// fatal reports an unrecoverable materialization failure.
	fatal func(error)

	// Test seams; production uses the real clock and real goroutines.
	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
	spawn     func(func())

	mu          sync.Mutex
	state       schedulerState
	interval    time.Duration
	lastPublish time.Time
	timer       *time.Timer
	paused      bool
	dirty       bool
	disposed    bool
	failed      bool
}

// NewScheduler builds a scheduler publishing at most once per interval.
// A non-positive interval falls back to DefaultPublishInterval.
func NewScheduler(interval time.Duration, materialize func() (*Snapshot, error), install func(*Snapshot), fatal func(error)) *Scheduler {
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	return &Scheduler{
		materialize: materialize,
		install:     install,
		fatal:       fatal,
		interval:    interval,
		now:         time.Now,
		afterFunc:   time.AfterFunc,
		spawn:       func(f func()) { go f() },
	}
}

// BatchApplied tells the scheduler the framebuffer was just mutated. It
// either starts a materialization, arms the deferred-publish timer, or
// records that the in-flight or deferred publish must pick the change up.
func (s *Scheduler) BatchApplied() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchAppliedLocked()
}

func (s *Scheduler) batchAppliedLocked() {
	if s.disposed || s.failed {
		return
	}
	switch s.state {
	case schedIdle:
		if s.paused {
			s.dirty = true
			return
		}
		elapsed := s.now().Sub(s.lastPublish)
		if elapsed >= s.interval {
			s.startDecodeLocked()
			return
		}
		s.state = schedPending
		s.timer = s.afterFunc(s.interval-elapsed, s.timerFired)
	case schedPending:
		// Coalesced: the armed timer is neither reset nor duplicated; the
		// eventual publish reads the store's latest state at fire time.
	case schedDecoding:
		// The in-flight materialization already has its copy of the store;
		// this mutation lands in the next publish cycle.
		s.dirty = true
	}
}

func (s *Scheduler) timerFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.failed || s.state != schedPending {
		return
	}
	if s.paused {
		// Publishing is suspended; remember the pending work and pick it
		// up on Resume.
		s.state = schedIdle
		s.dirty = true
		return
	}
	s.startDecodeLocked()
}

// startDecodeLocked materializes the store synchronously, then completes the
// publish (install plus re-evaluation) off the lock.
func (s *Scheduler) startDecodeLocked() {
	snap, err := s.materialize()
	if err != nil {
		// A store that disagrees with its descriptor is a corrupted
		// invariant; retrying cannot help. The session must tear down.
		s.failed = true
		s.state = schedIdle
		s.spawn(func() { s.fatal(err) })
		return
	}
	s.state = schedDecoding
	s.lastPublish = s.now()
	s.spawn(func() {
		// A decode finishing after teardown is discarded, never installed.
		if s.disposedNow() {
			return
		}
		s.install(snap)
		s.decodeComplete()
	})
}

// decodeComplete is the barrier transition out of Decoding: if any batch
// landed while the decode was in flight, the next cycle starts immediately
// so no mutation stays unpublished for more than one interval.
func (s *Scheduler) decodeComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed || s.state != schedDecoding {
		return
	}
	s.state = schedIdle
	if s.dirty {
		s.dirty = false
		s.batchAppliedLocked()
	}
}

// Pause suspends publishing. Batches continue to mutate the store and are
// coalesced; nothing is materialized until Resume.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume re-enables publishing and immediately schedules a publish if any
// batch arrived while paused.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		return
	}
	s.paused = false
	if s.dirty && s.state == schedIdle {
		s.dirty = false
		s.batchAppliedLocked()
	}
}

// Close invalidates the scheduler: the deferred timer is cancelled and any
// decode result that completes afterwards is discarded rather than
// installed. Safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disposed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// disposedNow reports whether Close has been called; consulted by the engine
// before installing a snapshot that finished decoding after teardown.
func (s *Scheduler) disposedNow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}
