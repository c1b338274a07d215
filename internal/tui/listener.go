package tui

import (
	"sync"

	"github.com/MegaGrindStone/stream-chat/internal/session"
	tea "github.com/charmbracelet/bubbletea"
)

// listener receives controller updates off the event loop and coalesces them into a single
// pending refresh.
type listener struct {
	mu       sync.Mutex
	snapshot session.Snapshot
	streamID string
	stream   string
	// grew is set when only the streaming text changed since the last refresh.
	grew     bool
	messages bool

	changed chan struct{}
}

type refreshMsg struct {
	snapshot session.Snapshot
	stream   string
	grew     bool
	messages bool
}

func newListener(initial session.Snapshot) *listener {
	return &listener{
		snapshot: initial,
		streamID: initial.StreamingID,
		stream:   initial.Streaming,
		changed:  make(chan struct{}, 1),
	}
}

func (l *listener) StreamUpdated(id, text string) {
	l.mu.Lock()
	l.streamID = id
	l.stream = text
	l.grew = true
	l.mu.Unlock()
	l.signal()
}

func (l *listener) StateChanged(s session.Snapshot) {
	l.mu.Lock()
	l.snapshot = s
	l.streamID = s.StreamingID
	l.stream = s.Streaming
	l.messages = true
	l.mu.Unlock()
	l.signal()
}

func (l *listener) signal() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

// take returns the accumulated changes and clears the change flags.
func (l *listener) take() refreshMsg {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := refreshMsg{
		snapshot: l.snapshot,
		grew:     l.grew,
		messages: l.messages,
	}
	if l.streamID != "" {
		msg.stream = l.stream
		msg.snapshot.StreamingID = l.streamID
	}
	l.grew = false
	l.messages = false
	return msg
}

func (l *listener) wait() tea.Cmd {
	return func() tea.Msg {
		<-l.changed
		return l.take()
	}
}
