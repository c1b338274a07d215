package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/conversation"
	"github.com/MegaGrindStone/stream-chat/internal/models"
	"github.com/MegaGrindStone/stream-chat/internal/provider"
	"github.com/MegaGrindStone/stream-chat/internal/schedule"
	"github.com/MegaGrindStone/stream-chat/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	ctx    context.Context
	prompt string
	h      provider.Handler
	done   chan struct{}
}

type mockProvider struct {
	configured bool
	calls      chan *call

	mu      sync.Mutex
	cancels int
}

func newMockProvider() *mockProvider {
	return &mockProvider{configured: true, calls: make(chan *call, 8)}
}

func (m *mockProvider) GenerateStreaming(ctx context.Context, prompt string, h provider.Handler) {
	c := &call{ctx: ctx, prompt: prompt, h: h, done: make(chan struct{})}
	m.calls <- c
	<-c.done
}

func (m *mockProvider) CancelStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels++
}

func (m *mockProvider) Configured() bool {
	return m.configured
}

func (m *mockProvider) next(t *testing.T) *call {
	t.Helper()
	select {
	case c := <-m.calls:
		return c
	case <-time.After(time.Second):
		t.Fatal("provider was not called")
		return nil
	}
}

type recordingListener struct {
	mu       sync.Mutex
	streamed []string
	states   []session.State
}

func (r *recordingListener) StreamUpdated(_, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamed = append(r.streamed, text)
}

func (r *recordingListener) StateChanged(s session.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s.State)
}

type fixture struct {
	ctrl     *session.Controller
	provider *mockProvider
	store    *conversation.Store
	sched    *schedule.Manual
	listener *recordingListener
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := newMockProvider()
	store := conversation.NewStore(nil, logger)
	sched := schedule.NewManual(time.UnixMilli(1700000000000))
	ctrl := session.NewController(p, store, sched, session.Config{}, logger)
	l := &recordingListener{}
	ctrl.Subscribe(l)

	t.Cleanup(func() {
		for {
			select {
			case c := <-p.calls:
				close(c.done)
			default:
				ctrl.Close()
				return
			}
		}
	})
	return fixture{ctrl: ctrl, provider: p, store: store, sched: sched, listener: l}
}

func texts(msgs []models.Message) []string {
	var out []string
	for _, m := range msgs {
		out = append(out, string(m.Sender)+":"+m.Text)
	}
	return out
}

func TestSendRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{name: "empty", input: "", want: session.ErrEmptyInput},
		{name: "spaces", input: "   ", want: session.ErrEmptyInput},
		{name: "whitespace mix", input: "\n\t \r\n", want: session.ErrEmptyInput},
		{name: "too long", input: strings.Repeat("a", session.DefaultMaxInputLength+1), want: session.ErrInputTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			err := f.ctrl.Send(tt.input)
			require.ErrorIs(t, err, tt.want)

			snap := f.ctrl.Snapshot()
			assert.Empty(t, snap.Messages)
			assert.Equal(t, session.StateIdle, snap.State)
			assert.NotEmpty(t, snap.ValidationError)
			assert.Empty(t, f.provider.calls)
		})
	}
}

func TestSendAcceptsMaximumLength(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Send(strings.Repeat("é", session.DefaultMaxInputLength)))
	c := f.provider.next(t)
	close(c.done)
}

func TestSendWhenNotConfigured(t *testing.T) {
	f := newFixture(t)
	f.provider.configured = false

	assert.ErrorIs(t, f.ctrl.Send("Hello"), session.ErrNotConfigured)

	snap := f.ctrl.Snapshot()
	assert.False(t, snap.Configured)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Error, "missing configuration is a state, not a banner")
}

func TestStreamingSuccess(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Send("Hello"))
	c := f.provider.next(t)
	assert.Equal(t, "Hello", c.prompt)

	snap := f.ctrl.Snapshot()
	require.Equal(t, session.StateStreaming, snap.State)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, models.StatusPending, snap.Messages[0].Status)
	placeholder := snap.StreamingID
	require.NotEmpty(t, placeholder)

	for _, chunk := range []string{"H", "He", "Hel", "Hello"} {
		c.h.OnChunk(chunk)
		f.sched.Advance(20 * time.Millisecond)
	}
	f.sched.Advance(time.Second)
	assert.Equal(t, "Hello", f.ctrl.Snapshot().Streaming)

	c.h.OnComplete("Hello")
	close(c.done)

	snap = f.ctrl.Snapshot()
	assert.Equal(t, session.StateIdle, snap.State)
	assert.Empty(t, snap.StreamingID)
	assert.Empty(t, snap.Streaming)
	assert.Equal(t, []string{"user:Hello", "bot:Hello"}, texts(snap.Messages))
	assert.Equal(t, placeholder, snap.Messages[1].ID)
	assert.Equal(t, models.StatusDelivered, snap.Messages[0].Status)
	assert.Equal(t, models.StatusDelivered, snap.Messages[1].Status)

	f.listener.mu.Lock()
	defer f.listener.mu.Unlock()
	require.NotEmpty(t, f.listener.streamed)
	assert.Equal(t, "Hello", f.listener.streamed[len(f.listener.streamed)-1])
	assert.Equal(t, session.StateSuccess, f.listener.states[len(f.listener.states)-1],
		"the completing notification carries the outcome")
}

func TestCancelCommitsPartialText(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Send("Explain"))
	c := f.provider.next(t)
	c.h.OnChunk("Certainly, the an ")

	assert.True(t, f.ctrl.Cancel())
	assert.False(t, f.ctrl.Cancel())
	assert.Equal(t, 1, f.provider.cancels)
	assert.Error(t, c.ctx.Err(), "request context must be cancelled")

	c.h.OnChunk("Certainly, the answer")
	c.h.OnComplete("Certainly, the answer")
	close(c.done)
	f.sched.Advance(time.Second)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, session.StateIdle, snap.State)
	assert.Empty(t, snap.StreamingID)
	assert.Equal(t, []string{"user:Explain", "bot:Certainly, the an"}, texts(snap.Messages))
	assert.True(t, snap.Messages[1].Interrupted)
	assert.Equal(t, models.StatusSent, snap.Messages[0].Status)

	f.listener.mu.Lock()
	defer f.listener.mu.Unlock()
	assert.Contains(t, f.listener.states, session.StateCancelled)
}

func TestCancelWithoutTextCommitsNothing(t *testing.T) {
	f := newFixture(t)

	assert.False(t, f.ctrl.Cancel(), "cancel while idle")

	require.NoError(t, f.ctrl.Send("Hi"))
	c := f.provider.next(t)
	c.h.OnChunk("   ")
	assert.True(t, f.ctrl.Cancel())
	close(c.done)

	assert.Equal(t, []string{"user:Hi"}, texts(f.ctrl.Snapshot().Messages))
}

func TestErrorCommitsInterruptedPartial(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Send("Hi"))
	c := f.provider.next(t)
	c.h.OnChunk("Partial answ")
	c.h.OnError(&provider.Error{Kind: provider.KindNetworkFailure, Err: errors.New("connection reset")})
	close(c.done)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, session.StateError, snap.State)
	assert.Equal(t, provider.KindNetworkFailure.UserMessage(), snap.Error)
	assert.Empty(t, snap.StreamingID)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "Partial answ", snap.Messages[1].Text)
	assert.True(t, snap.Messages[1].Interrupted)
	assert.Equal(t, models.StatusError, snap.Messages[1].Status)
	assert.Equal(t, models.StatusSent, snap.Messages[0].Status)
}

func TestErrorWithoutTextCommitsApology(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Send("Hi"))
	c := f.provider.next(t)
	c.h.OnError(errors.New("429 Too Many Requests"))
	close(c.done)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, []string{"user:Hi", "bot:" + session.ApologyText}, texts(snap.Messages))
	assert.Equal(t, provider.KindRateLimited.UserMessage(), snap.Error)
	assert.Equal(t, provider.KindRateLimited.String(), snap.ErrorKind)
}

func TestRetryLast(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Send("First"))
	c := f.provider.next(t)
	c.h.OnComplete("Answer")
	close(c.done)

	require.NoError(t, f.ctrl.Send("Second"))
	c = f.provider.next(t)
	c.h.OnError(errors.New("boom"))
	close(c.done)
	require.Equal(t, session.StateError, f.ctrl.State())

	require.True(t, f.ctrl.RetryLast())
	c = f.provider.next(t)
	assert.Equal(t, "Second", c.prompt)

	snap := f.ctrl.Snapshot()
	assert.Equal(t, session.StateStreaming, snap.State)
	assert.Empty(t, snap.Error)
	assert.Equal(t, []string{"user:First", "bot:Answer", "user:Second"}, texts(snap.Messages))

	c.h.OnComplete("Better")
	close(c.done)
	assert.Equal(t, []string{"user:First", "bot:Answer", "user:Second", "bot:Better"}, texts(f.ctrl.Snapshot().Messages))
}

func TestRetryLastOutsideErrorIsNoop(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Send("Hi"))
	c := f.provider.next(t)
	c.h.OnComplete("Hello")
	close(c.done)

	before := f.ctrl.Snapshot()
	assert.False(t, f.ctrl.RetryLast())
	assert.Equal(t, before, f.ctrl.Snapshot())
	assert.Empty(t, f.provider.calls)
}

func TestSendWhileStreamingCancelsPrevious(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Send("One"))
	first := f.provider.next(t)
	first.h.OnChunk("Reply one")
	f.sched.Advance(0)

	require.NoError(t, f.ctrl.Send("Two"))
	second := f.provider.next(t)
	assert.Error(t, first.ctx.Err())

	first.h.OnChunk("Reply one, late")
	first.h.OnError(&provider.Error{Kind: provider.KindCanceled, Err: provider.ErrCanceled})
	close(first.done)

	second.h.OnChunk("Reply two")
	f.sched.Advance(time.Second)
	assert.Equal(t, "Reply two", f.ctrl.Snapshot().Streaming)

	second.h.OnComplete("Reply two")
	close(second.done)

	assert.Equal(t,
		[]string{"user:One", "bot:Reply one", "user:Two", "bot:Reply two"},
		texts(f.ctrl.Snapshot().Messages))
}

func TestDismissDeleteAndClear(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctrl.Send("Hi"))
	c := f.provider.next(t)
	assert.ErrorIs(t, f.ctrl.DeleteMessage("x"), session.ErrSessionActive)
	assert.ErrorIs(t, f.ctrl.Clear(), session.ErrSessionActive)
	c.h.OnError(errors.New("boom"))
	close(c.done)

	f.ctrl.DismissError()
	snap := f.ctrl.Snapshot()
	assert.Equal(t, session.StateIdle, snap.State)
	assert.Empty(t, snap.Error)
	assert.False(t, f.ctrl.RetryLast(), "retry is only valid from the error state")

	assert.ErrorIs(t, f.ctrl.DeleteMessage("missing"), conversation.ErrNotFound)
	require.NoError(t, f.ctrl.DeleteMessage(snap.Messages[1].ID))
	assert.Equal(t, []string{"user:Hi"}, texts(f.ctrl.Snapshot().Messages))

	require.NoError(t, f.ctrl.Clear())
	assert.Empty(t, f.ctrl.Snapshot().Messages)
}
