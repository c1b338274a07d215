package tui

import (
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/schedule"
	tea "github.com/charmbracelet/bubbletea"
)

// loopScheduler runs callbacks on the bubbletea event loop. Timers fire on their own goroutines
// and hand the callback over through tasks; Model.Update executes it, so callbacks may touch
// the model's widgets.
type loopScheduler struct {
	frame time.Duration
	tasks chan func()
	done  chan struct{}
}

type taskMsg func()

const (
	taskPending int32 = iota
	taskCancelled
	taskRan
)

type loopTask struct {
	state atomic.Int32
	timer *time.Timer
}

func newLoopScheduler(frame time.Duration) *loopScheduler {
	if frame <= 0 {
		frame = schedule.DefaultFrameInterval
	}
	return &loopScheduler{
		frame: frame,
		tasks: make(chan func(), 64),
		done:  make(chan struct{}),
	}
}

func (s *loopScheduler) Now() time.Time {
	return time.Now()
}

func (s *loopScheduler) AfterFunc(d time.Duration, fn func()) schedule.Task {
	t := &loopTask{}
	t.timer = time.AfterFunc(d, func() {
		select {
		case s.tasks <- func() {
			if t.state.CompareAndSwap(taskPending, taskRan) {
				fn()
			}
		}:
		case <-s.done:
		}
	})
	return t
}

func (s *loopScheduler) NextFrame(fn func()) schedule.Task {
	return s.AfterFunc(s.frame, fn)
}

// wait delivers the next due callback to Update.
func (s *loopScheduler) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case fn := <-s.tasks:
			return taskMsg(fn)
		case <-s.done:
			return nil
		}
	}
}

func (s *loopScheduler) close() {
	close(s.done)
}

// Cancel reports whether the callback was prevented from running.
func (t *loopTask) Cancel() bool {
	t.timer.Stop()
	return t.state.CompareAndSwap(taskPending, taskCancelled)
}
