package schedule_test

import (
	"testing"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualRunsTasksInDueOrder(t *testing.T) {
	start := time.Unix(0, 0)
	m := schedule.NewManual(start)

	var order []string
	m.AfterFunc(30*time.Millisecond, func() { order = append(order, "c") })
	m.AfterFunc(10*time.Millisecond, func() { order = append(order, "a") })
	m.NextFrame(func() { order = append(order, "frame") })
	m.AfterFunc(20*time.Millisecond, func() { order = append(order, "b") })

	ran := m.Advance(25 * time.Millisecond)
	require.Equal(t, 3, ran)
	assert.Equal(t, []string{"frame", "a", "b"}, order)
	assert.Equal(t, start.Add(25*time.Millisecond), m.Now())
	assert.Equal(t, 1, m.Pending())

	m.Advance(5 * time.Millisecond)
	assert.Equal(t, []string{"frame", "a", "b", "c"}, order)
}

func TestManualChainedTasks(t *testing.T) {
	m := schedule.NewManual(time.Unix(0, 0))

	var at []time.Duration
	m.AfterFunc(10*time.Millisecond, func() {
		at = append(at, m.Now().Sub(time.Unix(0, 0)))
		m.NextFrame(func() {
			at = append(at, m.Now().Sub(time.Unix(0, 0)))
		})
	})

	m.Advance(50 * time.Millisecond)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}, at)
}

func TestManualCancel(t *testing.T) {
	m := schedule.NewManual(time.Unix(0, 0))

	fired := false
	task := m.AfterFunc(time.Millisecond, func() { fired = true })

	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel())

	m.Advance(time.Second)
	assert.False(t, fired)

	done := m.AfterFunc(time.Millisecond, func() {})
	m.Advance(time.Millisecond)
	assert.False(t, done.Cancel())
}

func TestTimerCancel(t *testing.T) {
	s := schedule.NewTimer(0)

	fired := make(chan struct{}, 1)
	task := s.AfterFunc(time.Hour, func() { fired <- struct{}{} })
	assert.True(t, task.Cancel())

	frame := s.NextFrame(func() { fired <- struct{}{} })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("NextFrame callback did not run")
	}
	assert.False(t, frame.Cancel())
}
