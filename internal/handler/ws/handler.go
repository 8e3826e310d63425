package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voxrelay/voxrelay/internal/service/llm"
	"github.com/voxrelay/voxrelay/internal/service/relay"
)

// Handler owns the duplex transport: one websocket per session carrying
// text turns, raw binary audio frames and control frames over a single
// connection.
type Handler struct {
	pipeline *relay.Pipeline
	upgrader websocket.Upgrader
}

// New creates the websocket handler.
func New(pipeline *relay.Pipeline) *Handler {
	return &Handler{
		pipeline: pipeline,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes registers the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type outboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleWebSocket upgrades the connection and runs its read loop until
// the peer goes away.
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Printf("[ws] new connection for session: %s", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	sess := newSession(sessionID, conn)
	go h.pingLoop(ctx, sess)

	for {
		select {
		case <-ctx.Done():
			return
		default:
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Printf("[ws] read error session=%s: %v", sessionID, err)
				}
				return
			}

			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			switch msgType {
			case websocket.BinaryMessage:
				// Audio chunks buffer silently, even mid-turn.
				sess.bufferAudio(data)
			case websocket.TextMessage:
				h.handleTextFrame(ctx, sess, data)
			}
		}
	}
}

// handleTextFrame demultiplexes one inbound control/text frame.
// Malformed frames are dropped at this scope and never disturb the
// connection.
func (h *Handler) handleTextFrame(ctx context.Context, sess *session, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Printf("[ws] ignoring malformed frame session=%s: %v", sess.id, err)
		return
	}

	switch frame.Type {
	case "user_message":
		if frame.Content == "" {
			return
		}
		if !sess.tryBeginTurn() {
			log.Printf("[ws] turn already in flight session=%s, dropping user_message", sess.id)
			return
		}
		go h.runTurn(ctx, sess, frame.Content)
	case "audio_end":
		if !sess.tryBeginTurn() {
			log.Printf("[ws] turn already in flight session=%s, dropping audio_end", sess.id)
			return
		}
		blob := sess.drainAudio()
		if len(blob) == 0 {
			sess.endTurn()
			return
		}
		// Speech-to-text is not wired in yet; describe the utterance so
		// the turn still round-trips.
		transcript := fmt.Sprintf("[voice message: %d bytes]", len(blob))
		sess.send(outboundFrame{Type: "transcript", Content: transcript})
		go h.runTurn(ctx, sess, transcript)
	default:
		log.Printf("[ws] ignoring frame type %q session=%s", frame.Type, sess.id)
	}
}

// runTurn drives one pipeline invocation and re-streams its fragments.
// Exactly one terminal frame (done or error) is emitted per accepted
// trigger, and the session always returns to idle.
func (h *Handler) runTurn(ctx context.Context, sess *session, userMessage string) {
	defer sess.endTurn()

	reply, err := h.pipeline.RunTurn(ctx, sess.id, userMessage)
	if err != nil {
		log.Printf("[ws] turn failed session=%s: %v", sess.id, err)
		sess.send(outboundFrame{Type: "error", Message: err.Error()})
		return
	}
	defer reply.Live.Close()

	var decoder llm.Decoder
	buf := make([]byte, 4096)
	for {
		n, readErr := reply.Live.Read(buf)
		if n > 0 {
			for _, event := range decoder.Feed(buf[:n]) {
				fragment, done := llm.Extract(event)
				if done {
					continue
				}
				if fragment != "" {
					sess.send(outboundFrame{Type: "delta", Content: fragment})
				}
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.Printf("[ws] live stream failed session=%s: %v", sess.id, readErr)
				sess.send(outboundFrame{Type: "error", Message: "stream interrupted"})
				return
			}
			break
		}
	}
	for _, event := range decoder.Flush() {
		if fragment, done := llm.Extract(event); !done && fragment != "" {
			sess.send(outboundFrame{Type: "delta", Content: fragment})
		}
	}

	sess.send(outboundFrame{Type: "done"})
}

// pingLoop keeps the connection alive under the 60s read deadline.
func (h *Handler) pingLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sess.ping(); err != nil {
				return
			}
		}
	}
}
