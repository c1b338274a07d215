// Package session drives one streaming request at a time from user input to a finalized message.
//
// The Controller validates input, inserts the user message optimistically, streams the reply
// through a Provider into a stream.Buffer, and commits the outcome to the conversation store.
// Whatever happens (completion, failure, cancellation) the controller ends without a streaming
// placeholder and with the user's text preserved in the conversation.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/stream-chat/internal/conversation"
	"github.com/MegaGrindStone/stream-chat/internal/models"
	"github.com/MegaGrindStone/stream-chat/internal/provider"
	"github.com/MegaGrindStone/stream-chat/internal/schedule"
	"github.com/MegaGrindStone/stream-chat/internal/stream"
	"github.com/google/uuid"
)

// DefaultMaxInputLength is the longest accepted input, in characters.
const DefaultMaxInputLength = 10000

// ApologyText is committed when a request fails before producing any text.
const ApologyText = "Sorry, I couldn't generate a reply. Please try again."

const errLoggerKey = "err"

// Provider is the generation service used by the controller.
type Provider interface {
	GenerateStreaming(ctx context.Context, prompt string, h provider.Handler)
	CancelStream()
	Configured() bool
}

// Listener observes the controller. StreamUpdated is called on every buffer flush and must not
// call back into the controller; StateChanged is called after every state transition. The
// notification that ends a session carries its outcome (StateSuccess or StateCancelled) even
// though the controller itself has already settled in StateIdle.
type Listener interface {
	StreamUpdated(id, text string)
	StateChanged(s Snapshot)
}

// Config tunes the controller.
type Config struct {
	MaxInputLength int
	FlushInterval  time.Duration
}

// Snapshot is everything a surface needs to draw the conversation.
type Snapshot struct {
	Messages        []models.Message `json:"messages"`
	StreamingID     string           `json:"streamingId,omitempty"`
	Streaming       string           `json:"streaming"`
	State           State            `json:"state"`
	Error           string           `json:"error,omitempty"`
	ErrorKind       string           `json:"errorKind,omitempty"`
	ValidationError string           `json:"validationError,omitempty"`
	Configured      bool             `json:"configured"`
}

// Controller is the Streaming Session Controller.
type Controller struct {
	mu sync.Mutex

	provider Provider
	store    *conversation.Store
	buffer   *stream.Buffer
	sched    schedule.Scheduler
	cfg      Config

	state         State
	errMsg        string
	errKind       string
	validationErr string

	active    bool
	sessionID string
	userMsgID string
	cancel    context.CancelFunc

	// streamID mirrors sessionID for the flush callback, which runs under the buffer lock.
	streamID atomic.Pointer[string]

	lmu       sync.RWMutex
	listeners map[int]Listener
	nextLID   int

	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewController creates a Controller over store, streaming through p.
func NewController(
	p Provider,
	store *conversation.Store,
	sched schedule.Scheduler,
	cfg Config,
	logger *slog.Logger,
) *Controller {
	if cfg.MaxInputLength <= 0 {
		cfg.MaxInputLength = DefaultMaxInputLength
	}

	c := &Controller{
		provider:  p,
		store:     store,
		sched:     sched,
		cfg:       cfg,
		listeners: make(map[int]Listener),
		logger:    logger.With(slog.String("module", "session")),
	}
	empty := ""
	c.streamID.Store(&empty)
	c.buffer = stream.NewBuffer(sched, cfg.FlushInterval, c.flushed)
	return c
}

// Subscribe registers l and returns a function removing it.
func (c *Controller) Subscribe(l Listener) func() {
	c.lmu.Lock()
	defer c.lmu.Unlock()

	id := c.nextLID
	c.nextLID++
	c.listeners[id] = l
	return func() {
		c.lmu.Lock()
		defer c.lmu.Unlock()
		delete(c.listeners, id)
	}
}

// Validate checks text against the input rules without touching any state.
func (c *Controller) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyInput
	}
	if n := utf8.RuneCountInString(text); n > c.cfg.MaxInputLength {
		return fmt.Errorf("%w: %d characters, the limit is %d", ErrInputTooLong, n, c.cfg.MaxInputLength)
	}
	return nil
}

// Send starts a streaming request for text. Invalid input sets the validation error and
// returns it without starting anything. A request already in flight is cancelled first, its
// partial reply committed.
func (c *Controller) Send(text string) error {
	if err := c.Validate(text); err != nil {
		c.mu.Lock()
		c.validationErr = err.Error()
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.notify(snap)
		return err
	}
	if !c.provider.Configured() {
		return ErrNotConfigured
	}

	c.mu.Lock()
	run, err := c.startLocked(strings.TrimSpace(text))
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	if err != nil {
		return err
	}
	run()
	return nil
}

// startLocked opens a session for text and returns the function launching the request.
func (c *Controller) startLocked(text string) (func(), error) {
	if c.active {
		c.logger.Info("Cancelling active session for a new send", slog.String("session", c.sessionID))
		c.cancelLocked()
	}

	userMsg := models.NewMessage(uuid.New().String(), models.SenderUser, text, models.StatusPending, c.sched.Now())
	if err := c.store.Add(userMsg); err != nil {
		return nil, fmt.Errorf("failed to add user message: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	c.validationErr = ""
	c.errMsg = ""
	c.errKind = ""
	c.state = StateStreaming
	c.active = true
	c.sessionID = id
	c.userMsgID = userMsg.ID
	c.cancel = cancel
	c.streamID.Store(&id)
	c.buffer.Start()

	c.logger.Debug("Session started", slog.String("session", id))

	h := provider.Handler{
		OnChunk:    func(text string) { c.chunk(id, text) },
		OnComplete: func(text string) { c.complete(id, text) },
		OnError:    func(err error) { c.fail(id, err) },
	}
	c.wg.Add(1)
	return func() {
		go func() {
			defer c.wg.Done()
			c.provider.GenerateStreaming(ctx, text, h)
		}()
	}, nil
}

// live reports whether callbacks of session id may still act.
func (c *Controller) liveLocked(id string) bool {
	return c.active && c.sessionID == id
}

func (c *Controller) chunk(id, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.liveLocked(id) {
		return
	}
	c.buffer.Push(text)
}

func (c *Controller) complete(id, text string) {
	c.mu.Lock()
	if !c.liveLocked(id) {
		c.mu.Unlock()
		return
	}

	c.promoteUserLocked(models.StatusDelivered)
	c.commitLocked(models.NewMessage(id, models.SenderBot, text, models.StatusDelivered, c.sched.Now()))
	c.endLocked(StateSuccess)
	snap := c.snapshotLocked()
	snap.State = StateSuccess
	c.mu.Unlock()

	c.notify(snap)
}

func (c *Controller) fail(id string, err error) {
	c.mu.Lock()
	if !c.liveLocked(id) {
		c.mu.Unlock()
		return
	}

	kind := provider.KindOf(err)
	if kind == provider.KindCanceled {
		c.cancelLocked()
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.notify(snap)
		return
	}

	c.logger.Error("Session failed",
		slog.String("session", id),
		slog.String("kind", kind.String()),
		slog.String(errLoggerKey, err.Error()))

	c.promoteUserLocked(models.StatusSent)
	msg := models.NewMessage(id, models.SenderBot, ApologyText, models.StatusError, c.sched.Now())
	if partial := strings.TrimSpace(c.buffer.Latest()); partial != "" {
		msg.Text = partial
		msg.Interrupted = true
	}
	c.commitLocked(msg)
	c.endLocked(StateError)
	c.errMsg = kind.UserMessage()
	c.errKind = kind.String()
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

// Cancel aborts the request in flight and commits its partial reply, if any. It reports whether
// there was anything to cancel; calling it again, or while idle, does nothing.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false
	}
	c.cancelLocked()
	snap := c.snapshotLocked()
	snap.State = StateCancelled
	c.mu.Unlock()

	c.notify(snap)
	return true
}

func (c *Controller) cancelLocked() {
	c.provider.CancelStream()

	id := c.sessionID
	c.promoteUserLocked(models.StatusSent)
	if partial := strings.TrimSpace(c.buffer.Latest()); partial != "" {
		msg := models.NewMessage(id, models.SenderBot, partial, models.StatusDelivered, c.sched.Now())
		msg.Interrupted = true
		c.commitLocked(msg)
	}
	c.endLocked(StateCancelled)
	c.logger.Debug("Session cancelled", slog.String("session", id))
}

// endLocked tears the session down. Pending flushes are dropped and late callbacks of the
// session are ignored from here on.
func (c *Controller) endLocked(outcome State) {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.buffer.Reset()
	c.active = false
	c.sessionID = ""
	c.userMsgID = ""
	empty := ""
	c.streamID.Store(&empty)

	c.logger.Debug("Session ended", slog.String("outcome", outcome.String()))
	if outcome == StateError {
		c.state = StateError
		return
	}
	c.state = StateIdle
}

func (c *Controller) promoteUserLocked(status models.Status) {
	if err := c.store.SetStatus(c.userMsgID, status); err != nil {
		c.logger.Warn("Failed to update user message status",
			slog.String("id", c.userMsgID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (c *Controller) commitLocked(msg models.Message) {
	if err := c.store.Add(msg); err != nil {
		c.logger.Error("Failed to commit message",
			slog.String("id", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// RetryLast resubmits the newest user message after removing the failed exchange. It only acts
// in StateError and reports whether a new request was started.
func (c *Controller) RetryLast() bool {
	c.mu.Lock()
	if c.state != StateError || c.active {
		c.mu.Unlock()
		return false
	}

	c.store.DeleteByStatus(models.StatusError)
	last, ok := c.store.LastBySender(models.SenderUser)
	if !ok {
		c.state = StateIdle
		c.errMsg = ""
		c.errKind = ""
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.notify(snap)
		return false
	}
	c.store.Delete(last.ID)

	run, err := c.startLocked(last.Text)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	if err != nil {
		c.logger.Error("Failed to retry", slog.String(errLoggerKey, err.Error()))
		return false
	}
	run()
	return true
}

// DismissError clears the error banner and returns to StateIdle.
func (c *Controller) DismissError() {
	c.mu.Lock()
	if c.state != StateError && c.validationErr == "" {
		c.mu.Unlock()
		return
	}
	if c.state == StateError {
		c.state = StateIdle
	}
	c.errMsg = ""
	c.errKind = ""
	c.validationErr = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
}

// DeleteMessage removes a finalized message. The conversation cannot be edited while a reply is
// streaming.
func (c *Controller) DeleteMessage(id string) error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrSessionActive
	}
	if !c.store.Delete(id) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", conversation.ErrNotFound, id)
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return nil
}

// Clear removes every message and any error.
func (c *Controller) Clear() error {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return ErrSessionActive
	}
	c.store.Clear()
	c.state = StateIdle
	c.errMsg = ""
	c.errKind = ""
	c.validationErr = ""
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.notify(snap)
	return nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the render surface.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		Messages:        c.store.Messages(),
		State:           c.state,
		Error:           c.errMsg,
		ErrorKind:       c.errKind,
		ValidationError: c.validationErr,
		Configured:      c.provider.Configured(),
	}
	if c.active {
		s.StreamingID = c.sessionID
		s.Streaming = c.buffer.Published()
	}
	return s
}

// Close cancels the request in flight and waits for its goroutine to return.
func (c *Controller) Close() {
	c.Cancel()
	c.wg.Wait()
}

func (c *Controller) flushed(text string) {
	id := *c.streamID.Load()
	if id == "" {
		return
	}

	c.lmu.RLock()
	defer c.lmu.RUnlock()
	for _, l := range c.listeners {
		l.StreamUpdated(id, text)
	}
}

func (c *Controller) notify(s Snapshot) {
	c.lmu.RLock()
	defer c.lmu.RUnlock()
	for _, l := range c.listeners {
		l.StateChanged(s)
	}
}
