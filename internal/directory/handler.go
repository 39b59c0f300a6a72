package directory

import (
	"encoding/json"
	"errors"
	"net/http"

	"social-chat/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

type profileResponse struct {
	Handle string `json:"handle,omitempty"`
	Set    bool   `json:"set"`
}

type setHandleRequest struct {
	Handle string `json:"handle"`
}

// GetProfile GET /chat/profile
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	handle, err := h.service.Resolve(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			json.NewEncoder(w).Encode(profileResponse{Set: false})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(profileResponse{Handle: handle, Set: true})
}

// SetProfile POST /chat/profile
func (h *Handler) SetProfile(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req setHandleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	handle, err := h.service.SetHandle(r.Context(), accountID, req.Handle)
	if err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, ErrAlreadySet), errors.Is(err, ErrInvalidHandle):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(profileResponse{Handle: handle, Set: true})
}

// Search GET /chat/search?q=
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	handles, err := h.service.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(handles)
}
