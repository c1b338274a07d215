// Package tui is the terminal surface of the chat. It drives the same session controller as the
// web surface and renders the conversation in a scrollable viewport whose follow behaviour is
// owned by a scroll.Tracker.
package tui

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/stream-chat/internal/models"
	"github.com/MegaGrindStone/stream-chat/internal/schedule"
	"github.com/MegaGrindStone/stream-chat/internal/scroll"
	"github.com/MegaGrindStone/stream-chat/internal/session"
	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Session is the conversation the terminal surface drives. *session.Controller implements it.
type Session interface {
	Send(text string) error
	Cancel() bool
	RetryLast() bool
	DismissError()
	Clear() error
	Snapshot() session.Snapshot
	Subscribe(l session.Listener) func()
}

// Config tunes the terminal surface.
type Config struct {
	// ScrollThreshold is the follow threshold in lines.
	ScrollThreshold float64
	ScrollDebounce  time.Duration
	// Scheduler runs the scroll tracker's deferred work. Nil runs it on the event loop.
	Scheduler schedule.Scheduler
	// Copy writes text to the clipboard. Nil uses the system clipboard.
	Copy func(text string) error
}

// DefaultScrollThreshold is the follow threshold for a terminal, in lines.
const DefaultScrollThreshold = 2

const (
	errLoggerKey = "err"

	inputHeight = 3
)

// Model is the bubbletea model of the chat. It must be used through a pointer since the scroll
// tracker holds on to its viewport.
type Model struct {
	session     Session
	listener    *listener
	unsubscribe func()

	loop    *loopScheduler
	tracker *scroll.Tracker

	viewport viewport.Model
	input    textarea.Model
	help     help.Model
	keys     keyMap
	copy     func(string) error

	snapshot session.Snapshot
	stream   string
	status   string

	width  int
	height int
	ready  bool

	logger *slog.Logger
}

// New creates the model and subscribes it to sess.
func New(sess Session, cfg Config, logger *slog.Logger) *Model {
	if cfg.ScrollThreshold <= 0 {
		cfg.ScrollThreshold = DefaultScrollThreshold
	}
	if cfg.ScrollDebounce <= 0 {
		cfg.ScrollDebounce = scroll.DefaultDebounce
	}
	if cfg.Copy == nil {
		cfg.Copy = clipboard.WriteAll
	}

	m := &Model{
		session:  sess,
		viewport: viewport.New(0, 0),
		input:    textarea.New(),
		help:     help.New(),
		keys:     defaultKeyMap(),
		copy:     cfg.Copy,
		logger:   logger.With(slog.String("module", "tui")),
	}

	sched := cfg.Scheduler
	if sched == nil {
		m.loop = newLoopScheduler(schedule.DefaultFrameInterval)
		sched = m.loop
	}
	m.tracker = scroll.NewTracker(viewportContainer{vp: &m.viewport}, sched,
		scroll.WithThreshold(cfg.ScrollThreshold),
		scroll.WithDebounce(cfg.ScrollDebounce),
	)

	m.input.Placeholder = "Type a message"
	m.input.ShowLineNumbers = false
	m.input.CharLimit = 0
	m.input.SetHeight(inputHeight)
	m.input.KeyMap.InsertNewline = key.NewBinding(key.WithKeys("ctrl+j"))
	m.input.Focus()

	m.snapshot = sess.Snapshot()
	m.stream = m.snapshot.Streaming
	m.listener = newListener(m.snapshot)
	m.unsubscribe = sess.Subscribe(m.listener)

	return m
}

// Close detaches the model from the session and stops pending scroll work.
func (m *Model) Close() {
	m.unsubscribe()
	m.tracker.Close()
	if m.loop != nil {
		m.loop.close()
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textarea.Blink, m.listener.wait()}
	if m.loop != nil {
		cmds = append(cmds, m.loop.wait())
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.renderContent()
		if !m.ready {
			m.ready = true
			m.tracker.ForceScrollToBottom()
		}
		return m, nil

	case taskMsg:
		msg()
		if m.loop == nil {
			return m, nil
		}
		return m, m.loop.wait()

	case refreshMsg:
		m.applyRefresh(msg)
		return m, m.listener.wait()

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.tracker.OnScroll()
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Send):
		m.send()
		return m, nil

	case key.Matches(msg, m.keys.Cancel):
		if m.session.Cancel() {
			m.status = "Stopped"
		}
		return m, nil

	case key.Matches(msg, m.keys.Retry):
		if m.session.RetryLast() {
			m.status = ""
			m.tracker.ForceScrollToBottom()
		} else {
			m.status = "Nothing to retry"
		}
		return m, nil

	case key.Matches(msg, m.keys.Dismiss):
		m.session.DismissError()
		m.status = ""
		return m, nil

	case key.Matches(msg, m.keys.Copy):
		m.copyLastReply()
		return m, nil

	case key.Matches(msg, m.keys.Clear):
		if err := m.session.Clear(); err != nil {
			m.status = err.Error()
		} else {
			m.status = "Conversation cleared"
		}
		return m, nil

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.LineUp(m.viewport.Height)
		m.tracker.OnScroll()
		return m, nil

	case key.Matches(msg, m.keys.PageDown):
		m.viewport.LineDown(m.viewport.Height)
		m.tracker.OnScroll()
		return m, nil

	case key.Matches(msg, m.keys.Bottom):
		m.tracker.ForceScrollToBottom()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) send() {
	err := m.session.Send(m.input.Value())
	switch {
	case err == nil:
		m.input.Reset()
		m.status = ""
		m.tracker.ForceScrollToBottom()
	case errors.Is(err, session.ErrEmptyInput), errors.Is(err, session.ErrInputTooLong):
		// Shown through the snapshot's validation banner.
		m.status = ""
	default:
		m.logger.Error("Failed to send message", slog.String(errLoggerKey, err.Error()))
		m.status = err.Error()
	}
}

// copyLastReply puts the newest bot message on the clipboard and reports the outcome in the
// status line.
func (m *Model) copyLastReply() bool {
	var text string
	for i := len(m.snapshot.Messages) - 1; i >= 0; i-- {
		if m.snapshot.Messages[i].Sender == models.SenderBot {
			text = m.snapshot.Messages[i].Text
			break
		}
	}
	if text == "" {
		m.status = "Nothing to copy"
		return false
	}

	if err := m.copy(text); err != nil {
		m.logger.Warn("Failed to copy to clipboard", slog.String(errLoggerKey, err.Error()))
		m.status = "Copy failed"
		return false
	}
	m.status = "Copied reply to clipboard"
	return true
}

func (m *Model) applyRefresh(msg refreshMsg) {
	m.snapshot = msg.snapshot
	m.stream = msg.stream
	m.layout()
	m.renderContent()

	switch {
	case msg.messages:
		m.tracker.MessagesChanged()
	case msg.grew:
		m.tracker.StreamGrew()
	}
}

func (m *Model) banner() string {
	s := m.snapshot
	switch {
	case !s.Configured:
		return disabledStyle.Render("No API key is configured. Set it in the environment and restart.")
	case s.Error != "":
		return bannerStyle.Render(s.Error + "  ctrl+r retry · ctrl+d dismiss")
	case s.ValidationError != "":
		return bannerStyle.Render(s.ValidationError)
	}
	return ""
}

func (m *Model) layout() {
	if m.width == 0 {
		return
	}
	m.input.SetWidth(m.width)
	m.help.Width = m.width

	// input, status line and help line
	reserved := m.input.Height() + 2
	if m.banner() != "" {
		reserved++
	}
	m.viewport.Width = m.width
	m.viewport.Height = max(1, m.height-reserved)
}

func (m *Model) renderContent() {
	width := max(10, m.width-2)
	body := bodyStyle.Width(width)

	var sb strings.Builder
	for _, msg := range m.snapshot.Messages {
		sb.WriteString(header(msg))
		sb.WriteByte('\n')
		text := msg.Text
		if msg.Status == models.StatusError {
			text = errorStyle.Render(text)
		}
		sb.WriteString(body.Render(text))
		if msg.Interrupted {
			sb.WriteByte('\n')
			sb.WriteString(body.Render(metaStyle.Render("(stopped)")))
		}
		sb.WriteString("\n\n")
	}

	if m.snapshot.StreamingID != "" {
		sb.WriteString(botStyle.Render("Assistant") + metaStyle.Render(" typing…"))
		sb.WriteByte('\n')
		text := m.stream
		if text == "" {
			text = "…"
		}
		sb.WriteString(body.Render(text))
		sb.WriteByte('\n')
	}

	m.viewport.SetContent(sb.String())
}

func header(msg models.Message) string {
	var who string
	switch msg.Sender {
	case models.SenderUser:
		who = userStyle.Render("You")
	case models.SenderBot:
		who = botStyle.Render("Assistant")
	default:
		who = systemStyle.Render("Notice")
	}
	return who + metaStyle.Render(fmt.Sprintf(" %s · %s", msg.Time().Format("15:04"), msg.Status))
}

// View implements tea.Model.
func (m *Model) View() string {
	if !m.ready {
		return "Loading…"
	}

	parts := []string{m.viewport.View()}
	if b := m.banner(); b != "" {
		parts = append(parts, b)
	}
	parts = append(parts, m.input.View(), m.statusLine(), m.help.View(m.keys))

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *Model) statusLine() string {
	fields := []string{m.snapshot.State.String()}
	if m.tracker.UserScrolledUp() {
		fields = append(fields, "↓ new messages below (ctrl+g)")
	}
	if m.status != "" {
		fields = append(fields, m.status)
	}
	return statusStyle.Render(strings.Join(fields, " · "))
}
