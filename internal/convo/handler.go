package convo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"social-chat/internal/middleware"
)

// HandleResolver resolves the caller's chat handle from its account id.
// The directory service implements it.
type HandleResolver interface {
	Resolve(ctx context.Context, accountID int) (string, error)
}

// Notifier receives a durably stored message for fan-out to the receiver's
// live connections. Implementations must not block the caller; REST append
// returns as soon as the message is stored, delivery is fire-and-forget.
type Notifier interface {
	MessageDelivered(conversationID int, msg *Message)
}

type Handler struct {
	service  *Service
	resolver HandleResolver
	notifier Notifier
}

func NewHandler(s *Service, resolver HandleResolver, notifier Notifier) *Handler {
	return &Handler{service: s, resolver: resolver, notifier: notifier}
}

type startRequest struct {
	TargetHandle string `json:"target_handle"`
}

type appendRequest struct {
	Text string `json:"text"`
	// Receiver is accepted for compatibility with older clients but the
	// server derives the actual receiver from the conversation row.
	Receiver string `json:"receiver_handle,omitempty"`
}

// callerHandle maps the authenticated account to its chat handle, writing the
// error response itself when that fails.
func (h *Handler) callerHandle(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	handle, err := h.resolver.Resolve(r.Context(), accountID)
	if err != nil {
		http.Error(w, "chat profile not set", http.StatusForbidden)
		return "", false
	}
	return handle, true
}

// List GET /chat/conversations
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.callerHandle(w, r)
	if !ok {
		return
	}

	conversations, err := h.service.ListForHandle(r.Context(), handle)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(conversations)
}

// Start POST /chat/conversations/start
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.callerHandle(w, r)
	if !ok {
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c, err := h.service.Start(r.Context(), handle, req.TargetHandle)
	if err != nil {
		h.writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(c)
}

// History GET /chat/conversations/{id}/messages?page=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.callerHandle(w, r)
	if !ok {
		return
	}

	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	page := 0
	if p := r.URL.Query().Get("page"); p != "" {
		if page, err = strconv.Atoi(p); err != nil {
			http.Error(w, "invalid page", http.StatusBadRequest)
			return
		}
	}

	messages, err := h.service.History(r.Context(), id, handle, page)
	if err != nil {
		h.writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(messages)
}

// Append POST /chat/conversations/{id}/messages
func (h *Handler) Append(w http.ResponseWriter, r *http.Request) {
	handle, ok := h.callerHandle(w, r)
	if !ok {
		return
	}

	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := h.service.Append(r.Context(), id, handle, req.Text)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// The message is durable at this point; push is best effort.
	h.notifier.MessageDelivered(id, msg)

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(msg)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
