package chat

import "time"

// Session identifies one conversation log by its opaque key. Created
// lazily on first access; only removed via an explicit clear.
type Session struct {
	ID        string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}
