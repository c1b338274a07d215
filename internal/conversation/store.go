// Package conversation keeps the ordered list of finalized messages.
//
// User messages are inserted provisionally before the request they start has finished, then
// either promoted or annotated when it ends; a message is never dropped silently. A Persister,
// when configured, mirrors every change to durable storage.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MegaGrindStone/stream-chat/internal/models"
)

// Persister stores the conversation outside the process.
type Persister interface {
	Messages(ctx context.Context) ([]models.Message, error)
	PutMessage(ctx context.Context, msg models.Message) error
	DeleteMessage(ctx context.Context, id string) error
	Clear(ctx context.Context) error
}

// ErrNotFound is returned when no message has the requested id.
var ErrNotFound = errors.New("message not found")

// ErrDuplicateID is returned when adding a message whose id is already present.
var ErrDuplicateID = errors.New("duplicate message id")

const errLoggerKey = "err"

// Store is the in-memory conversation. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	messages []models.Message

	persister Persister
	logger    *slog.Logger
}

// NewStore creates an empty Store. persister may be nil.
func NewStore(persister Persister, logger *slog.Logger) *Store {
	return &Store{
		persister: persister,
		logger:    logger.With(slog.String("module", "conversation")),
	}
}

// Load replaces the in-memory list with the persisted one. Pending messages left behind by an
// interrupted process are annotated as sent.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	msgs, err := s.persister.Messages(ctx)
	if err != nil {
		return fmt.Errorf("failed to load messages: %w", err)
	}

	for i := range msgs {
		if msgs[i].Status == models.StatusPending {
			msgs[i].Status = models.StatusSent
			s.persist(msgs[i])
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = msgs
	return nil
}

// Add appends msg.
func (s *Store) Add(msg models.Message) error {
	s.mu.Lock()
	if s.indexLocked(msg.ID) != -1 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	s.persist(msg)
	return nil
}

// SetStatus changes the status of the message with the given id.
func (s *Store) SetStatus(id string, status models.Status) error {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx == -1 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.messages[idx].Status = status
	msg := s.messages[idx]
	s.mu.Unlock()

	s.persist(msg)
	return nil
}

// Delete removes the message with the given id and reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx == -1 {
		s.mu.Unlock()
		return false
	}
	s.messages = slices.Delete(s.messages, idx, idx+1)
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.DeleteMessage(context.Background(), id); err != nil {
			s.logger.Error("Failed to delete persisted message",
				slog.String("id", id),
				slog.String(errLoggerKey, err.Error()))
		}
	}
	return true
}

// DeleteByStatus removes every message with the given status and returns how many were removed.
func (s *Store) DeleteByStatus(status models.Status) int {
	s.mu.RLock()
	var ids []string
	for _, m := range s.messages {
		if m.Status == status {
			ids = append(ids, m.ID)
		}
	}
	s.mu.RUnlock()

	n := 0
	for _, id := range ids {
		if s.Delete(id) {
			n++
		}
	}
	return n
}

// Clear removes every message.
func (s *Store) Clear() {
	s.mu.Lock()
	s.messages = nil
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.Clear(context.Background()); err != nil {
			s.logger.Error("Failed to clear persisted messages", slog.String(errLoggerKey, err.Error()))
		}
	}
}

// Messages returns a copy of the conversation in order.
func (s *Store) Messages() []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Get returns the message with the given id.
func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexLocked(id)
	if idx == -1 {
		return models.Message{}, false
	}
	return s.messages[idx], true
}

// LastBySender scans backwards for the newest message from sender.
func (s *Store) LastBySender(sender models.Sender) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Sender == sender {
			return s.messages[i], true
		}
	}
	return models.Message{}, false
}

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.messages, func(m models.Message) bool { return m.ID == id })
}

// persist mirrors msg to the persister. Storage failures are logged; the in-memory list stays
// authoritative for the running process.
func (s *Store) persist(msg models.Message) {
	if s.persister == nil {
		return
	}
	if err := s.persister.PutMessage(context.Background(), msg); err != nil {
		s.logger.Error("Failed to persist message",
			slog.String("id", msg.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}
