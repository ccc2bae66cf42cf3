package relay

import (
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mehdi852/chat-relay/internal/event"
	"github.com/mehdi852/chat-relay/internal/history"
	"github.com/mehdi852/chat-relay/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Widget connections come from arbitrary tenant domains, so origin
	// enforcement happens per-website at the application layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// ServeAdminWS upgrades a dashboard session. Requires the JWT middleware
// and a websiteId owned by the authenticated admin.
func (h *Handler) ServeAdminWS(w http.ResponseWriter, r *http.Request) {
	adminID, ok := r.Context().Value(middleware.AdminIDKey).(int)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	websiteID, err := strconv.Atoi(r.URL.Query().Get("websiteId"))
	if err != nil {
		http.Error(w, "websiteId is required", http.StatusBadRequest)
		return
	}

	site, err := h.hub.websites.Get(r.Context(), websiteID)
	if err != nil {
		http.Error(w, "unknown website", http.StatusNotFound)
		return
	}
	if site.OwnerID != adminID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("admin upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, 256),
		role:   RoleAdmin,
		userID: adminID,
	}
	h.hub.Join(websiteID, client)

	go client.writePump()
	go client.readPump()
}

// ServeVisitorWS upgrades a widget session. Anonymous: a visitor id is
// minted when the widget does not present one, and geolocation is read
// from the edge-proxy headers on the request.
func (h *Handler) ServeVisitorWS(w http.ResponseWriter, r *http.Request) {
	websiteID, err := strconv.Atoi(r.URL.Query().Get("websiteId"))
	if err != nil {
		http.Error(w, "websiteId is required", http.StatusBadRequest)
		return
	}
	if _, err := h.hub.websites.Get(r.Context(), websiteID); err != nil {
		http.Error(w, "unknown website", http.StatusNotFound)
		return
	}

	visitorID := r.URL.Query().Get("visitorId")
	if visitorID == "" {
		visitorID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("visitor upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		role: RoleVisitor,
		visitor: history.Visitor{
			VisitorID:   visitorID,
			Browser:     r.UserAgent(),
			Country:     r.Header.Get("X-Geo-Country"),
			CountryCode: r.Header.Get("X-Geo-Country-Code"),
			Continent:   r.Header.Get("X-Geo-Continent"),
			ASN:         r.Header.Get("X-Geo-ASN"),
			ASName:      r.Header.Get("X-Geo-AS-Name"),
			VisitorIP:   clientIP(r),
		},
	}
	h.hub.Join(websiteID, client)

	// Tell the widget which id to carry across reconnects.
	if ack, err := event.Marshal(event.SessionEstablished, map[string]string{"visitorId": visitorID}); err == nil {
		client.send <- ack
	}

	go client.writePump()
	go client.readPump()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
