package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxrelay/voxrelay/internal/model/chat"
)

// MemoryStore keeps session logs in process memory, suitable for early
// iterations and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]chat.Message
}

// NewMemoryStore bootstraps an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string][]chat.Message),
	}
}

// GetAll returns a copy of the session history in insertion order.
func (s *MemoryStore) GetAll(_ context.Context, sessionID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.messages[sessionID]
	copied := make([]chat.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}

// Append adds one message to the session log, stamping ID and creation
// time when absent.
func (s *MemoryStore) Append(_ context.Context, sessionID string, msg chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return nil
}

// Clear drops the whole log for a session.
func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, sessionID)
	return nil
}
