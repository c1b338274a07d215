// Package scroll decides whether a scrollable message view should follow new content.
//
// A Tracker watches manual scroll events on a Container. Scrolling up away from the bottom
// disables auto-follow; returning to within Threshold of the bottom re-enables it. Every
// automatic scroll attempt goes through ScrollToBottom, which does nothing while the user is
// scrolled up. ForceScrollToBottom overrides that intent, e.g. when the user sends a message.
package scroll

import (
	"sync"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/schedule"
)

const (
	// DefaultThreshold is the distance from the bottom, in container units, still treated as
	// "at bottom". For a browser that is pixels.
	DefaultThreshold = 50
	// DefaultDebounce delays the position check after a scroll event.
	DefaultDebounce = 100 * time.Millisecond
)

// Container is a scrollable view.
type Container interface {
	ScrollTop() float64
	ScrollHeight() float64
	ClientHeight() float64
	ScrollTo(top float64, instant bool)
}

// State is the observable scroll state of one mounted view.
type State struct {
	IsUserScrolledUp bool
	LastScrollTop    float64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(threshold float64) Option {
	return func(t *Tracker) {
		if threshold >= 0 {
			t.threshold = threshold
		}
	}
}

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(t *Tracker) {
		if d >= 0 {
			t.debounce = d
		}
	}
}

// Tracker holds the scroll intent for one Container.
type Tracker struct {
	mu sync.Mutex

	c         Container
	sched     schedule.Scheduler
	threshold float64
	debounce  time.Duration

	state State

	// Callbacks compare their generation at run time, since Cancel can lose the race against a
	// timer that already fired.
	check         schedule.Task
	checkGen      uint64
	scroll        schedule.Task
	scrollGen     uint64
	scrollInstant bool
}

// NewTracker creates a Tracker for c. The tracker starts in auto-follow mode.
func NewTracker(c Container, sched schedule.Scheduler, opts ...Option) *Tracker {
	t := &Tracker{
		c:         c,
		sched:     sched,
		threshold: DefaultThreshold,
		debounce:  DefaultDebounce,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state.LastScrollTop = c.ScrollTop()
	return t
}

// IsAtBottom reports whether the container is within the threshold of its bottom edge.
func (t *Tracker) IsAtBottom() bool {
	return t.distanceFromBottom() <= t.threshold
}

func (t *Tracker) distanceFromBottom() float64 {
	return t.c.ScrollHeight() - t.c.ScrollTop() - t.c.ClientHeight()
}

// OnScroll records a manual scroll event. The position is sampled once the events have been
// quiet for the debounce duration.
func (t *Tracker) OnScroll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelCheckLocked()
	gen := t.checkGen
	t.check = t.sched.AfterFunc(t.debounce, func() { t.sample(gen) })
}

func (t *Tracker) sample(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.checkGen {
		return
	}
	t.check = nil
	top := t.c.ScrollTop()
	up := top < t.state.LastScrollTop

	switch {
	case t.IsAtBottom():
		t.state.IsUserScrolledUp = false
	case up:
		t.state.IsUserScrolledUp = true
	}
	t.state.LastScrollTop = top
}

// ScrollToBottom moves the container to its bottom on the next frame, unless the user has
// scrolled up. Calls made while a scroll is already pending are merged into it; an instant
// request wins over a smooth one.
func (t *Tracker) ScrollToBottom(instant bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.requestLocked(instant)
}

func (t *Tracker) requestLocked(instant bool) {
	if t.state.IsUserScrolledUp {
		return
	}
	t.scrollInstant = t.scrollInstant || instant
	if t.scroll != nil {
		return
	}
	gen := t.scrollGen
	t.scroll = t.sched.NextFrame(func() { t.applyScroll(gen) })
}

func (t *Tracker) applyScroll(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.scrollGen {
		return
	}
	t.scroll = nil
	instant := t.scrollInstant
	t.scrollInstant = false

	if t.state.IsUserScrolledUp {
		return
	}
	bottom := t.c.ScrollHeight() - t.c.ClientHeight()
	if bottom < 0 {
		bottom = 0
	}
	t.c.ScrollTo(bottom, instant)
	t.state.LastScrollTop = bottom
}

// ForceScrollToBottom clears any scroll-up intent and scrolls to the bottom.
func (t *Tracker) ForceScrollToBottom() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelCheckLocked()
	t.state.IsUserScrolledUp = false
	t.requestLocked(true)
}

// MessagesChanged is the auto-scroll trigger for a new finalized message.
func (t *Tracker) MessagesChanged() {
	t.ScrollToBottom(false)
}

// StreamGrew is the auto-scroll trigger for growth of the streaming text.
func (t *Tracker) StreamGrew() {
	t.ScrollToBottom(true)
}

// UserScrolledUp reports whether auto-follow is disabled.
func (t *Tracker) UserScrolledUp() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.IsUserScrolledUp
}

// State returns a copy of the scroll state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Reset cancels pending work and returns to auto-follow, as after the view is remounted.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked()
	t.state = State{LastScrollTop: t.c.ScrollTop()}
}

// Close cancels pending work.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cancelLocked()
}

func (t *Tracker) cancelLocked() {
	t.cancelCheckLocked()
	t.scrollGen++
	if t.scroll != nil {
		t.scroll.Cancel()
		t.scroll = nil
	}
	t.scrollInstant = false
}

func (t *Tracker) cancelCheckLocked() {
	t.checkGen++
	if t.check != nil {
		t.check.Cancel()
		t.check = nil
	}
}
