package history

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mehdi852/chat-relay/internal/middleware"
)

// AccessChecker guards conversation data per tenant; satisfied by
// *website.Service.
type AccessChecker interface {
	Owns(ctx context.Context, websiteID, adminID int) (bool, error)
}

type Handler struct {
	repo     *Repository
	access   AccessChecker
	pageSize int
	logger   *zap.Logger
}

func NewHandler(repo *Repository, access AccessChecker, pageSize int, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, access: access, pageSize: pageSize, logger: logger}
}

// GetHistory serves the paginated visitor-summary listing for a website.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	websiteID, err := strconv.Atoi(r.URL.Query().Get("websiteId"))
	if err != nil {
		http.Error(w, "websiteId is required", http.StatusBadRequest)
		return
	}
	if !h.authorized(w, r, websiteID) {
		return
	}
	page := pageParam(r)

	result, err := h.repo.HistoryPage(r.Context(), websiteID, page, h.pageSize)
	if err != nil {
		h.logger.Error("history page failed", zap.Error(err), zap.Int("websiteID", websiteID))
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if result.Visitors == nil {
		result.Visitors = []VisitorSummary{}
	}
	json.NewEncoder(w).Encode(result)
}

// GetConversation serves one page of a visitor's conversation.
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	websiteID, err := strconv.Atoi(r.URL.Query().Get("websiteId"))
	visitorID := r.URL.Query().Get("visitorId")
	if err != nil || visitorID == "" {
		http.Error(w, "websiteId and visitorId are required", http.StatusBadRequest)
		return
	}
	if !h.authorized(w, r, websiteID) {
		return
	}
	page := pageParam(r)

	result, err := h.repo.ConversationPage(r.Context(), websiteID, visitorID, page, h.pageSize)
	if err != nil {
		h.logger.Error("conversation page failed", zap.Error(err),
			zap.Int("websiteID", websiteID), zap.String("visitorID", visitorID))
		http.Error(w, "failed to load conversation", http.StatusInternalServerError)
		return
	}
	if result.Messages == nil {
		result.Messages = []Message{}
	}
	json.NewEncoder(w).Encode(result)
}

type markReadRequest struct {
	WebsiteID int    `json:"websiteId"`
	VisitorID string `json:"visitorId"`
}

// MarkRead persists the read state for a conversation.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VisitorID == "" {
		http.Error(w, "websiteId and visitorId are required", http.StatusBadRequest)
		return
	}
	if !h.authorized(w, r, req.WebsiteID) {
		return
	}

	if err := h.repo.MarkRead(r.Context(), req.WebsiteID, req.VisitorID); err != nil {
		h.logger.Error("mark read failed", zap.Error(err),
			zap.Int("websiteID", req.WebsiteID), zap.String("visitorID", req.VisitorID))
		http.Error(w, "failed to mark read", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// authorized writes the error response itself when the check fails.
func (h *Handler) authorized(w http.ResponseWriter, r *http.Request, websiteID int) bool {
	adminID, ok := r.Context().Value(middleware.AdminIDKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return false
	}
	owns, err := h.access.Owns(r.Context(), websiteID, adminID)
	if err != nil {
		http.Error(w, "unknown website", http.StatusNotFound)
		return false
	}
	if !owns {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

func pageParam(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}
