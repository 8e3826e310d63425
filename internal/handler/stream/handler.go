package stream

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/voxrelay/voxrelay/internal/model/chat"
	"github.com/voxrelay/voxrelay/internal/service/history"
	"github.com/voxrelay/voxrelay/internal/service/relay"
	"github.com/voxrelay/voxrelay/pkg/utils"
)

// Handler is the pull-based transport: one POST, one long-lived framed
// response body. No connection state survives the request.
type Handler struct {
	pipeline *relay.Pipeline
	store    history.Store
}

// New creates the pull-stream handler.
func New(pipeline *relay.Pipeline, store history.Store) *Handler {
	return &Handler{pipeline: pipeline, store: store}
}

// RegisterRoutes registers the streaming chat endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/{sessionID}", h.handleChat)
}

type chatRequest struct {
	Messages []chat.Message `json:"messages"`
}

// handleChat relays one turn: the request carries the client's view of
// the history with the latest user turn last; the response is the live
// half of the pipeline tee, streamed as-is.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")

	var payload chatRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userMessage, ok := trailingUserMessage(payload.Messages)
	if !ok {
		utils.RespondError(w, http.StatusBadRequest, "messages must end with a user message")
		return
	}

	// The client may already have persisted the user turn via REST;
	// only append when the log does not end with it.
	existing, err := h.store.GetAll(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	newMessage := userMessage
	if hasMatchingUserMessage(existing, userMessage) {
		newMessage = ""
	}

	reply, err := h.pipeline.RunTurn(r.Context(), sessionID, newMessage)
	if err != nil {
		log.Printf("[stream] turn failed session=%s: %v", sessionID, err)
		utils.RespondError(w, http.StatusBadGateway, "generation failed")
		return
	}
	defer reply.Live.Close()

	utils.SetupSSEHeaders(w)

	buf := make([]byte, 4096)
	for {
		n, readErr := reply.Live.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// Client went away; background persistence finishes on
				// its own.
				log.Printf("[stream] client disconnected session=%s", sessionID)
				return
			}
			flusher.Flush()
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				log.Printf("[stream] live stream failed session=%s: %v", sessionID, readErr)
			}
			return
		}
	}
}

func trailingUserMessage(messages []chat.Message) (string, bool) {
	if len(messages) == 0 {
		return "", false
	}
	last := messages[len(messages)-1]
	if last.Role != chat.RoleUser || last.Content == "" {
		return "", false
	}
	return last.Content, true
}

func hasMatchingUserMessage(messages []chat.Message, content string) bool {
	if len(messages) == 0 {
		return false
	}
	last := messages[len(messages)-1]
	return last.Role == chat.RoleUser && last.Content == content
}
