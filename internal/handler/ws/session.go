package ws

import (
	"bytes"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// session is the per-connection state: the audio accumulation buffer
// and the idle / awaiting-reply flag that serializes turns. All
// outbound writes funnel through one mutex because the turn runs on its
// own goroutine next to the ping loop.
type session struct {
	id   string
	conn *websocket.Conn

	mu       sync.Mutex
	awaiting bool
	audio    bytes.Buffer

	writeMu sync.Mutex
}

func newSession(id string, conn *websocket.Conn) *session {
	return &session{id: id, conn: conn}
}

// tryBeginTurn moves idle -> awaiting_reply. It refuses while a turn is
// already in flight, which is the at-most-one-turn guarantee.
func (s *session) tryBeginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.awaiting {
		return false
	}
	s.awaiting = true
	return true
}

// endTurn returns the session to idle.
func (s *session) endTurn() {
	s.mu.Lock()
	s.awaiting = false
	s.mu.Unlock()
}

// bufferAudio appends one raw chunk. Buffering never changes the turn
// state.
func (s *session) bufferAudio(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audio.Write(chunk)
}

// drainAudio returns the accumulated utterance in arrival order and
// clears the buffer. Never partially flushed.
func (s *session) drainAudio() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob := make([]byte, s.audio.Len())
	copy(blob, s.audio.Bytes())
	s.audio.Reset()
	return blob
}

func (s *session) send(frame outboundFrame) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteJSON(frame); err != nil {
		log.Printf("[ws] write failed session=%s: %v", s.id, err)
	}
}

func (s *session) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.conn.WriteMessage(websocket.PingMessage, nil)
}
