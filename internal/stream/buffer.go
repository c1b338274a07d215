// Package stream decouples the arrival of streamed text from the cadence at which it is shown.
//
// The Buffer keeps the latest cumulative text of a response in a single slot and publishes it
// at most once per flush interval. Chunks arriving between two flushes are coalesced; only the
// newest value is published, so published values never regress to a shorter prefix.
package stream

import (
	"sync"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/schedule"
)

// DefaultFlushInterval is the minimum time between two flushes (about 20Hz). It is looser than a
// display frame on purpose: one state commit per network chunk saturates the surface.
const DefaultFlushInterval = 50 * time.Millisecond

// FlushFunc receives every published value. It is called while the Buffer is locked and must
// not call back into the Buffer.
type FlushFunc func(text string)

// Buffer is the rate-limited update slot for one streaming session at a time.
type Buffer struct {
	mu sync.Mutex

	sched    schedule.Scheduler
	interval time.Duration
	onFlush  FlushFunc

	latest    string
	published string

	active    bool
	pending   bool
	gen       uint64
	lastFlush time.Time

	delay schedule.Task
	frame schedule.Task
}

// NewBuffer creates a Buffer. A non-positive interval falls back to DefaultFlushInterval, a nil
// onFlush is allowed for callers that poll Published.
func NewBuffer(sched schedule.Scheduler, interval time.Duration, onFlush FlushFunc) *Buffer {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Buffer{
		sched:    sched,
		interval: interval,
		onFlush:  onFlush,
	}
}

// Start resets the buffer and opens it for a new session.
func (b *Buffer) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetLocked()
	b.active = true
}

// Reset cancels any pending flush and clears the slot. Callbacks scheduled before Reset are
// ignored when they fire, and chunks arriving afterwards are dropped until the next Start.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.resetLocked()
}

func (b *Buffer) resetLocked() {
	b.cancelTasksLocked()
	b.gen++
	b.active = false
	b.pending = false
	b.latest = ""
	b.published = ""
	b.lastFlush = time.Time{}
}

// Accumulate stores the cumulative text received so far. It does not publish; call
// ScheduleFlush to get the value shown.
func (b *Buffer) Accumulate(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active {
		return
	}
	b.latest = text
}

// Push stores text and schedules a flush for it.
func (b *Buffer) Push(text string) {
	b.Accumulate(text)
	b.ScheduleFlush()
}

// ScheduleFlush arranges for the slot to be published. When the last flush is at least one
// interval old the flush happens on the next frame, otherwise it waits out the remainder of the
// interval first. Calls made while a flush is pending are no-ops.
func (b *Buffer) ScheduleFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active || b.pending {
		return
	}
	b.pending = true
	gen := b.gen

	elapsed := b.sched.Now().Sub(b.lastFlush)
	if b.lastFlush.IsZero() || elapsed >= b.interval {
		b.frame = b.sched.NextFrame(func() { b.fire(gen) })
		return
	}

	b.delay = b.sched.AfterFunc(b.interval-elapsed, func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		if !b.live(gen) {
			return
		}
		b.delay = nil
		b.frame = b.sched.NextFrame(func() { b.fire(gen) })
	})
}

func (b *Buffer) fire(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.live(gen) {
		return
	}
	b.frame = nil
	b.flushLocked()
}

// live reports whether a callback scheduled in generation gen may still act.
func (b *Buffer) live(gen uint64) bool {
	return b.active && b.gen == gen
}

// Flush publishes the slot immediately, cancelling any pending scheduled flush.
func (b *Buffer) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active {
		return
	}
	b.cancelTasksLocked()
	b.flushLocked()
}

func (b *Buffer) flushLocked() {
	b.pending = false
	b.lastFlush = b.sched.Now()
	if b.published == b.latest {
		return
	}
	b.published = b.latest
	if b.onFlush != nil {
		b.onFlush(b.published)
	}
}

func (b *Buffer) cancelTasksLocked() {
	if b.delay != nil {
		b.delay.Cancel()
		b.delay = nil
	}
	if b.frame != nil {
		b.frame.Cancel()
		b.frame = nil
	}
}

// Latest returns the most recently accumulated text, published or not.
func (b *Buffer) Latest() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// Published returns the last flushed value.
func (b *Buffer) Published() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Pending reports whether a flush is scheduled.
func (b *Buffer) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Active reports whether the buffer accepts chunks.
func (b *Buffer) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}
