package chat

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	chatModel "github.com/voxrelay/voxrelay/internal/model/chat"
	"github.com/voxrelay/voxrelay/internal/service/history"
	"github.com/voxrelay/voxrelay/pkg/utils"
)

// Handler exposes the session log over REST: mint keys, read, append
// and clear histories.
type Handler struct {
	store history.Store
}

// New creates the chat REST handler.
func New(store history.Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes registers session and history routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Post("/messages", h.handleAppendMessage)
	r.Get("/history/{sessionID}", h.handleGetHistory)
	r.Delete("/history/{sessionID}", h.handleClearHistory)
}

// handleCreateSession mints a server-generated session key for clients
// that do not bring their own. The log itself is created lazily.
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session := chatModel.Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

// handleAppendMessage persists one message, the upstream half of the
// pull transport contract.
func (h *Handler) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SessionID string `json:"sessionId"`
		Role      string `json:"role"`
		Content   string `json:"content"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if payload.SessionID == "" {
		utils.RespondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	switch payload.Role {
	case chatModel.RoleSystem, chatModel.RoleUser, chatModel.RoleAssistant:
	default:
		utils.RespondError(w, http.StatusBadRequest, "invalid role")
		return
	}

	msg := chatModel.Message{Role: payload.Role, Content: payload.Content}
	if err := h.store.Append(r.Context(), payload.SessionID, msg); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to save message")
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// handleGetHistory returns the full ordered message array for a session
// key as a flat JSON array.
func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := h.store.GetAll(r.Context(), sessionID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if messages == nil {
		messages = []chatModel.Message{}
	}

	utils.RespondJSON(w, http.StatusOK, messages)
}

// handleClearHistory drops the whole log for a session key.
func (h *Handler) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.store.Clear(r.Context(), sessionID); err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to clear history")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
