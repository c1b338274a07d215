package tui

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/models"
	"github.com/MegaGrindStone/stream-chat/internal/schedule"
	"github.com/MegaGrindStone/stream-chat/internal/session"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu sync.Mutex

	snapshot  session.Snapshot
	sendErr   error
	sent      []string
	cancelled int
	retried   int
	listener  session.Listener
}

func (f *fakeSession) Send(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return f.sendErr
}

func (f *fakeSession) Cancel() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
	return true
}

func (f *fakeSession) RetryLast() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried++
	return false
}

func (f *fakeSession) DismissError() {}

func (f *fakeSession) Clear() error { return nil }

func (f *fakeSession) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeSession) Subscribe(l session.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
	return func() {}
}

type fixture struct {
	sess   *fakeSession
	sched  *schedule.Manual
	model  *Model
	copied []string
	copyOK bool
}

func newFixture(t *testing.T, snap session.Snapshot) *fixture {
	t.Helper()

	f := &fixture{
		sess:   &fakeSession{snapshot: snap},
		sched:  schedule.NewManual(time.Unix(1700000000, 0)),
		copyOK: true,
	}
	f.model = New(f.sess, Config{
		Scheduler: f.sched,
		Copy: func(text string) error {
			if !f.copyOK {
				return errors.New("no clipboard utility")
			}
			f.copied = append(f.copied, text)
			return nil
		},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(f.model.Close)

	f.model.Update(tea.WindowSizeMsg{Width: 60, Height: 20})
	f.sched.Advance(time.Second)
	return f
}

// publish pushes s through the session listener and feeds the resulting refresh to the model.
func (f *fixture) publish(s session.Snapshot) {
	f.sess.listener.StateChanged(s)
	f.model.Update(f.model.listener.take())
}

func conversation(n int) []models.Message {
	now := time.Unix(1700000000, 0)
	msgs := make([]models.Message, 0, n)
	for i := range n {
		sender := models.SenderUser
		if i%2 == 1 {
			sender = models.SenderBot
		}
		msgs = append(msgs, models.NewMessage(fmt.Sprintf("m%d", i), sender,
			fmt.Sprintf("message number %d", i), models.StatusDelivered, now))
	}
	return msgs
}

func TestSendKey(t *testing.T) {
	f := newFixture(t, session.Snapshot{Configured: true})

	f.model.input.SetValue("hello there")
	f.model.Update(tea.KeyMsg{Type: tea.KeyEnter})

	assert.Equal(t, []string{"hello there"}, f.sess.sent)
	assert.Empty(t, f.model.input.Value())
}

func TestSendNotConfigured(t *testing.T) {
	f := newFixture(t, session.Snapshot{})
	f.sess.sendErr = session.ErrNotConfigured

	f.model.input.SetValue("hello")
	f.model.Update(tea.KeyMsg{Type: tea.KeyEnter})

	assert.Equal(t, "hello", f.model.input.Value())
	assert.Contains(t, f.model.View(), "not configured")
	assert.Contains(t, f.model.View(), "No API key")
}

func TestCancelAndRetryKeys(t *testing.T) {
	f := newFixture(t, session.Snapshot{Configured: true})

	f.model.Update(tea.KeyMsg{Type: tea.KeyEsc})
	f.model.Update(tea.KeyMsg{Type: tea.KeyCtrlR})

	assert.Equal(t, 1, f.sess.cancelled)
	assert.Equal(t, 1, f.sess.retried)
	assert.Equal(t, "Nothing to retry", f.model.status)
}

func TestCopyLastReply(t *testing.T) {
	f := newFixture(t, session.Snapshot{Configured: true})
	f.publish(session.Snapshot{Configured: true, Messages: conversation(4)})

	f.model.Update(tea.KeyMsg{Type: tea.KeyCtrlY})
	assert.Equal(t, []string{"message number 3"}, f.copied)
	assert.Equal(t, "Copied reply to clipboard", f.model.status)

	f.copyOK = false
	assert.False(t, f.model.copyLastReply())
	assert.Equal(t, "Copy failed", f.model.status)
}

func TestCopyWithoutReply(t *testing.T) {
	f := newFixture(t, session.Snapshot{Configured: true})

	assert.False(t, f.model.copyLastReply())
	assert.Empty(t, f.copied)
}

func TestRefreshRendersStream(t *testing.T) {
	f := newFixture(t, session.Snapshot{Configured: true})

	f.publish(session.Snapshot{
		Configured:  true,
		State:       session.StateStreaming,
		StreamingID: "s1",
		Messages:    conversation(1),
	})
	f.sess.listener.StreamUpdated("s1", "partial answer")
	f.model.Update(f.model.listener.take())

	view := f.model.View()
	assert.Contains(t, view, "message number 0")
	assert.Contains(t, view, "partial answer")
	assert.Contains(t, view, "streaming")

	f.publish(session.Snapshot{
		Configured: true,
		Messages:   append(conversation(1), models.NewMessage("b", models.SenderBot, "partial answer done", models.StatusDelivered, time.Now())),
	})
	assert.NotContains(t, f.model.View(), "typing")
}

func TestErrorBanner(t *testing.T) {
	f := newFixture(t, session.Snapshot{Configured: true})

	f.publish(session.Snapshot{
		Configured: true,
		State:      session.StateError,
		Error:      "Too many requests. Please wait a moment.",
	})

	assert.Contains(t, f.model.View(), "Too many requests")
	assert.Contains(t, f.model.View(), "ctrl+r retry")
}

func TestScrollFollowsUntilUserScrollsUp(t *testing.T) {
	f := newFixture(t, session.Snapshot{Configured: true})
	vp := &f.model.viewport

	f.publish(session.Snapshot{Configured: true, Messages: conversation(20)})
	f.sched.Advance(time.Second)
	require.True(t, vp.AtBottom(), "viewport should follow new messages")

	f.model.Update(tea.KeyMsg{Type: tea.KeyPgUp})
	f.sched.Advance(time.Second)
	require.True(t, f.model.tracker.UserScrolledUp())
	offset := vp.YOffset
	assert.Contains(t, f.model.View(), "new messages below")

	f.publish(session.Snapshot{Configured: true, Messages: conversation(30)})
	f.sched.Advance(time.Second)
	assert.Equal(t, offset, vp.YOffset, "scrolled-up view must not jump")

	f.model.Update(tea.KeyMsg{Type: tea.KeyCtrlG})
	f.sched.Advance(time.Second)
	assert.True(t, vp.AtBottom())
	assert.False(t, f.model.tracker.UserScrolledUp())
}

func TestSendForcesScrollToBottom(t *testing.T) {
	f := newFixture(t, session.Snapshot{Configured: true})
	vp := &f.model.viewport

	f.publish(session.Snapshot{Configured: true, Messages: conversation(20)})
	f.sched.Advance(time.Second)
	f.model.Update(tea.KeyMsg{Type: tea.KeyPgUp})
	f.sched.Advance(time.Second)
	require.True(t, f.model.tracker.UserScrolledUp())

	f.model.input.SetValue("new question")
	f.model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	f.publish(session.Snapshot{Configured: true, Messages: conversation(21)})
	f.sched.Advance(time.Second)

	assert.False(t, f.model.tracker.UserScrolledUp())
	assert.True(t, vp.AtBottom())
	assert.True(t, strings.Contains(vp.View(), "message number 20"))
}

func TestLoopSchedulerCancel(t *testing.T) {
	s := newLoopScheduler(time.Millisecond)
	defer s.close()

	ran := make(chan struct{}, 1)
	task := s.AfterFunc(time.Hour, func() { ran <- struct{}{} })
	assert.True(t, task.Cancel())
	assert.False(t, task.Cancel())

	task = s.NextFrame(func() { ran <- struct{}{} })
	msg := s.wait()()
	fn, ok := msg.(taskMsg)
	require.True(t, ok)
	fn()
	select {
	case <-ran:
	default:
		t.Fatal("frame callback did not run")
	}
	assert.False(t, task.Cancel(), "a task that ran cannot be cancelled")
}
