// Package schedule provides the cancellable deferred-task primitives used by the streaming
// buffer and the scroll tracker. Components never touch time.AfterFunc directly, so tests can
// drive them with a Manual scheduler instead of real timers.
package schedule

import (
	"sync"
	"time"
)

// Task is a handle to a deferred callback.
type Task interface {
	// Cancel prevents the callback from running. It reports whether the call stopped the task;
	// it returns false if the task already ran or was already cancelled. Cancel is safe to call
	// any number of times.
	Cancel() bool
}

// Scheduler defers callbacks. AfterFunc runs fn once d has elapsed, NextFrame runs fn at the
// next paint opportunity of the surface that owns the scheduler.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Task
	NextFrame(fn func()) Task
}

// DefaultFrameInterval approximates one display frame at 60Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// Timer is the Scheduler backed by the runtime timers. Callbacks run on their own goroutines,
// callers synchronise their own state.
type Timer struct {
	frame time.Duration
}

type timerTask struct {
	t *time.Timer
}

// NewTimer creates a Timer whose NextFrame fires after frame. A non-positive frame falls back to
// DefaultFrameInterval.
func NewTimer(frame time.Duration) Timer {
	if frame <= 0 {
		frame = DefaultFrameInterval
	}
	return Timer{frame: frame}
}

// Now returns the wall clock time.
func (t Timer) Now() time.Time {
	return time.Now()
}

// AfterFunc runs fn after d on its own goroutine.
func (t Timer) AfterFunc(d time.Duration, fn func()) Task {
	return timerTask{t: time.AfterFunc(d, fn)}
}

// NextFrame runs fn after one frame interval.
func (t Timer) NextFrame(fn func()) Task {
	return timerTask{t: time.AfterFunc(t.frame, fn)}
}

func (t timerTask) Cancel() bool {
	return t.t.Stop()
}

// Manual is a deterministic Scheduler. Time only moves when Advance is called, and due callbacks
// run synchronously on the goroutine calling Advance, in due-time order.
type Manual struct {
	mu         sync.Mutex
	now        time.Time
	frameDelay time.Duration
	seq        uint64
	tasks      []*manualTask
}

type manualTask struct {
	m   *Manual
	due time.Time
	seq uint64
	fn  func()

	done bool
}

// NewManual creates a Manual scheduler starting at start. NextFrame callbacks are due immediately
// but still only run on the next Advance.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// SetFrameDelay sets how far in the future NextFrame callbacks are due.
func (m *Manual) SetFrameDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameDelay = d
}

// Now returns the simulated time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules fn to run once the simulated clock reaches Now()+d.
func (m *Manual) AfterFunc(d time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(m.now.Add(d), fn)
}

// NextFrame schedules fn for the next simulated frame.
func (m *Manual) NextFrame(fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(m.now.Add(m.frameDelay), fn)
}

func (m *Manual) addLocked(due time.Time, fn func()) *manualTask {
	m.seq++
	t := &manualTask{m: m, due: due, seq: m.seq, fn: fn}
	m.tasks = append(m.tasks, t)
	return t
}

// Advance moves the clock forward by d, running every callback that becomes due, including
// callbacks scheduled by other callbacks while advancing. It returns the number of callbacks run.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	ran := 0
	for {
		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			return ran
		}
		next.done = true
		m.removeLocked(next)
		if next.due.After(m.now) {
			m.now = next.due
		}
		m.mu.Unlock()

		next.fn()
		ran++
	}
}

// Pending returns the number of scheduled callbacks that have neither run nor been cancelled.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Manual) nextDueLocked(target time.Time) *manualTask {
	var next *manualTask
	for _, t := range m.tasks {
		if t.due.After(target) {
			continue
		}
		if next == nil || t.due.Before(next.due) || (t.due.Equal(next.due) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (m *Manual) removeLocked(task *manualTask) {
	for i, t := range m.tasks {
		if t == task {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return
		}
	}
}

func (t *manualTask) Cancel() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	t.m.removeLocked(t)
	return true
}
