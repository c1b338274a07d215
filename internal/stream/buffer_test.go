package stream_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/schedule"
	"github.com/MegaGrindStone/stream-chat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	values []string
}

func (r *recorder) flush(text string) {
	r.values = append(r.values, text)
}

func newBuffer() (*stream.Buffer, *schedule.Manual, *recorder) {
	sched := schedule.NewManual(time.Unix(1700000000, 0))
	rec := &recorder{}
	b := stream.NewBuffer(sched, stream.DefaultFlushInterval, rec.flush)
	b.Start()
	return b, sched, rec
}

func TestFirstFlushOnNextFrame(t *testing.T) {
	b, sched, rec := newBuffer()

	b.Push("H")
	assert.True(t, b.Pending())
	assert.Empty(t, rec.values, "flush must wait for the next frame")

	sched.Advance(0)
	assert.Equal(t, []string{"H"}, rec.values)
	assert.Equal(t, "H", b.Published())
	assert.False(t, b.Pending())
}

func TestFlushesAreSpacedByInterval(t *testing.T) {
	b, sched, rec := newBuffer()

	b.Push("He")
	sched.Advance(10 * time.Millisecond)
	require.Len(t, rec.values, 1)

	b.Push("Hel")
	sched.Advance(39 * time.Millisecond)
	assert.Len(t, rec.values, 1, "second flush fired before the interval elapsed")

	sched.Advance(time.Millisecond)
	assert.Equal(t, []string{"He", "Hel"}, rec.values)
}

func TestRedundantSchedulesCoalesce(t *testing.T) {
	b, sched, rec := newBuffer()

	b.Push("a")
	sched.Advance(0)

	for _, s := range []string{"ab", "abc", "abcd", "abcde"} {
		b.Push(s)
		sched.Advance(5 * time.Millisecond)
	}
	assert.Equal(t, 1, sched.Pending(), "only one flush may be pending")

	sched.Advance(time.Second)
	assert.Equal(t, []string{"a", "abcde"}, rec.values)
}

func TestPublishedValuesNeverRegress(t *testing.T) {
	b, sched, rec := newBuffer()

	var inputs []string
	var sb strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&sb, "%d ", i)
		inputs = append(inputs, sb.String())
	}

	for i, in := range inputs {
		b.Push(in)
		sched.Advance(time.Duration(i%7) * time.Millisecond)
	}
	sched.Advance(time.Second)

	require.NotEmpty(t, rec.values)
	assert.Equal(t, inputs[len(inputs)-1], rec.values[len(rec.values)-1], "final value must converge")

	idx := 0
	for _, v := range rec.values {
		for idx < len(inputs) && inputs[idx] != v {
			idx++
		}
		require.Less(t, idx, len(inputs), "published value %q is not an ordered input", v)
	}
	for i := 1; i < len(rec.values); i++ {
		assert.GreaterOrEqual(t, len(rec.values[i]), len(rec.values[i-1]))
	}
}

func TestResetDropsPendingFlush(t *testing.T) {
	b, sched, rec := newBuffer()

	b.Push("x")
	sched.Advance(0)
	b.Push("xy")
	b.Reset()

	sched.Advance(time.Second)
	assert.Equal(t, []string{"x"}, rec.values)
	assert.Empty(t, b.Latest())
	assert.Empty(t, b.Published())

	b.Push("late chunk")
	sched.Advance(time.Second)
	assert.Equal(t, []string{"x"}, rec.values, "chunks after reset must be ignored")
}

func TestStaleCallbackDoesNotTouchNewSession(t *testing.T) {
	b, sched, rec := newBuffer()

	b.Push("old")
	sched.Advance(0)
	b.Push("old session")
	sched.Advance(10 * time.Millisecond)

	b.Start()
	b.Accumulate("new")
	sched.Advance(time.Second)
	assert.Equal(t, []string{"old"}, rec.values, "deferred flush of the previous session fired")

	b.ScheduleFlush()
	sched.Advance(0)
	assert.Equal(t, []string{"old", "new"}, rec.values)
}

func TestFlushNow(t *testing.T) {
	b, sched, rec := newBuffer()

	b.Push("a")
	b.Flush()
	assert.Equal(t, []string{"a"}, rec.values)
	assert.Equal(t, 0, sched.Pending())

	b.Accumulate("a")
	b.Flush()
	assert.Equal(t, []string{"a"}, rec.values, "unchanged value must not be republished")
}
