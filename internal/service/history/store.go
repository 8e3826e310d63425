package history

import (
	"context"

	"github.com/voxrelay/voxrelay/internal/model/chat"
)

// Store is the per-session append-only message log. Sessions come into
// existence lazily on first access: GetAll on an unknown key returns an
// empty history, not an error. Implementations serialize concurrent
// appends to the same session; callers must not assume a read followed
// by an append is atomic.
type Store interface {
	// GetAll returns the ordered history for a session key.
	GetAll(ctx context.Context, sessionID string) ([]chat.Message, error)
	// Append adds one message at the end of the session log.
	Append(ctx context.Context, sessionID string, msg chat.Message) error
	// Clear removes the whole log for a session key.
	Clear(ctx context.Context, sessionID string) error
}
