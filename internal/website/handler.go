package website

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mehdi852/chat-relay/internal/middleware"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value(middleware.AdminIDKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	websites, err := h.Service.List(r.Context(), ownerID)
	if err != nil {
		http.Error(w, "failed to list websites", http.StatusInternalServerError)
		return
	}
	if websites == nil {
		websites = []Website{}
	}
	json.NewEncoder(w).Encode(websites)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := r.Context().Value(middleware.AdminIDKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Domain == "" {
		http.Error(w, "domain is required", http.StatusBadRequest)
		return
	}

	site, err := h.Service.Create(r.Context(), ownerID, req.Domain)
	if err != nil {
		http.Error(w, "failed to create website", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(site)
}

func (h *Handler) ToggleAI(w http.ResponseWriter, r *http.Request) {
	id, err := websiteID(r)
	if err != nil {
		http.Error(w, "invalid website id", http.StatusBadRequest)
		return
	}
	if !h.ownedByCaller(w, r, id) {
		return
	}

	enabled, err := h.Service.ToggleAI(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, "failed to toggle AI", status)
		return
	}
	json.NewEncoder(w).Encode(ToggleResponse{WebsiteID: id, AIEnabled: enabled})
}

func (h *Handler) CheckLimits(w http.ResponseWriter, r *http.Request) {
	id, err := websiteID(r)
	if err != nil {
		http.Error(w, "invalid website id", http.StatusBadRequest)
		return
	}

	if !h.ownedByCaller(w, r, id) {
		return
	}

	limits, err := h.Service.CheckLimits(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to check limits", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(limits)
}

// ownedByCaller writes the error response itself when the check fails.
func (h *Handler) ownedByCaller(w http.ResponseWriter, r *http.Request, id int) bool {
	adminID, ok := r.Context().Value(middleware.AdminIDKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	site, err := h.Service.Get(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, "unknown website", status)
		return false
	}
	if site.OwnerID != adminID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func websiteID(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "websiteID"))
}
