package handlers

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
	"sync"
	"time"

	streamchat "github.com/MegaGrindStone/stream-chat"
	"github.com/MegaGrindStone/stream-chat/internal/models"
	"github.com/MegaGrindStone/stream-chat/internal/session"
	"github.com/tmaxmax/go-sse"
)

// Session is the conversation the web surface drives. *session.Controller implements it.
type Session interface {
	Send(text string) error
	Cancel() bool
	RetryLast() bool
	DismissError()
	DeleteMessage(id string) error
	Clear() error
	Snapshot() session.Snapshot
	Subscribe(l session.Listener) func()
}

// TitleGenerator produces a one-shot completion used as the conversation title.
type TitleGenerator interface {
	GenerateOnce(ctx context.Context, prompt string) (string, error)
}

// Config tunes the page the handlers render.
type Config struct {
	TitlePrompt     string
	MaxInputLength  int
	ScrollThreshold float64
	ScrollDebounce  time.Duration
}

// Main handles the web surface of the chat: it renders the page, turns form posts into session
// operations, and fans session updates out to browsers over server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	session        Session
	titleGenerator TitleGenerator
	cfg            Config

	title       *conversationTitle
	unsubscribe func()

	logger *slog.Logger
}

type conversationTitle struct {
	mu      sync.Mutex
	text    string
	pending bool
	// gen invalidates a title request started before the conversation was cleared.
	gen uint64
}

// SSE event types for real-time updates.
const (
	streamSSEType   = "stream"
	messagesSSEType = "messages"
	titleSSEType    = "title"
)

const (
	errLoggerKey = "err"

	conversationSSETopic = "conversation"
	defaultTitle         = "Stream Chat"
	maxTitleLength       = 80
)

var templateFuncs = template.FuncMap{
	"markdown": func(text string) template.HTML {
		h, err := models.RenderMarkdown(text)
		if err != nil {
			return template.HTML("<p>" + template.HTMLEscapeString(text) + "</p>") //nolint:gosec // escaped above
		}
		return h
	},
	"formatTime": func(ms int64) string {
		return time.UnixMilli(ms).Format(time.RFC3339)
	},
	"clock": func(ms int64) string {
		return time.UnixMilli(ms).Format("15:04")
	},
}

// NewMain creates a Main instance over sess and subscribes it to the session's updates.
// titleGenerator may be nil, in which case conversations stay untitled.
func NewMain(sess Session, titleGenerator TitleGenerator, cfg Config, logger *slog.Logger) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		streamchat.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	if cfg.MaxInputLength <= 0 {
		cfg.MaxInputLength = session.DefaultMaxInputLength
	}

	m := Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, conversationSSETopic},
				}, true
			},
		},
		templates:      tmpl,
		session:        sess,
		titleGenerator: titleGenerator,
		cfg:            cfg,
		title:          &conversationTitle{},
		logger:         logger.With(slog.String("module", "main")),
	}
	m.unsubscribe = sess.Subscribe(m)

	return m, nil
}

// StreamUpdated publishes the rendered streaming bubble on every buffer flush.
func (m Main) StreamUpdated(id, text string) {
	html, err := m.render("streaming", streamView{ID: id, Text: text})
	if err != nil {
		m.logger.Error("Failed to render streaming message",
			slog.String("id", id),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	m.publish(streamSSEType, html)
}

// StateChanged republishes the conversation and starts title generation once the first reply
// has been delivered.
func (m Main) StateChanged(s session.Snapshot) {
	html, err := m.render("conversation", s)
	if err != nil {
		m.logger.Error("Failed to render conversation", slog.String(errLoggerKey, err.Error()))
		return
	}
	m.publish(messagesSSEType, html)

	if s.State == session.StateSuccess {
		m.maybeGenerateTitle(s.Messages)
	}
}

func (m Main) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := m.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("failed to execute template %s: %w", name, err)
	}
	return buf.String(), nil
}

func (m Main) publish(typ, data string) {
	msg := sse.Message{
		Type: sse.Type(typ),
	}
	msg.AppendData(data)
	if err := m.sseSrv.Publish(&msg, conversationSSETopic); err != nil {
		m.logger.Error("Failed to publish event",
			slog.String("type", typ),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) maybeGenerateTitle(msgs []models.Message) {
	if m.titleGenerator == nil {
		return
	}

	var first string
	for _, msg := range msgs {
		if msg.Sender == models.SenderUser {
			first = msg.Text
			break
		}
	}
	if first == "" {
		return
	}

	m.title.mu.Lock()
	if m.title.text != "" || m.title.pending {
		m.title.mu.Unlock()
		return
	}
	m.title.pending = true
	gen := m.title.gen
	m.title.mu.Unlock()

	go m.generateTitle(gen, first)
}

func (m Main) generateTitle(gen uint64, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	title, err := m.titleGenerator.GenerateOnce(ctx, m.cfg.TitlePrompt+message)

	m.title.mu.Lock()
	if gen != m.title.gen {
		m.title.mu.Unlock()
		return
	}
	m.title.pending = false
	if err != nil {
		m.title.mu.Unlock()
		m.logger.Error("Error generating conversation title",
			slog.String("message", message),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	m.title.text = cleanTitle(title)
	title = m.title.text
	m.title.mu.Unlock()

	m.publish(titleSSEType, title)
}

func (m Main) resetTitle() {
	m.title.mu.Lock()
	m.title.text = ""
	m.title.pending = false
	m.title.gen++
	m.title.mu.Unlock()

	m.publish(titleSSEType, defaultTitle)
}

// cleanTitle keeps the first line of a model reply, without surrounding quotes or markdown
// heading marks.
func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimLeft(s, "# ")
	s = strings.Trim(s, "\"'`*")
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxTitleLength {
		s = strings.TrimSpace(string(r[:maxTitleLength])) + "…"
	}
	return s
}

// Title returns the generated conversation title, empty until one is available.
func (m Main) Title() string {
	m.title.mu.Lock()
	defer m.title.mu.Unlock()
	return m.title.text
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.unsubscribe()

	e := &sse.Message{Type: sse.Type("close")}
	// We create a close event that complies with SSE spec requiring data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
