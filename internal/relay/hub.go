package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mehdi852/chat-relay/internal/ai"
	"github.com/mehdi852/chat-relay/internal/event"
	"github.com/mehdi852/chat-relay/internal/history"
	"github.com/mehdi852/chat-relay/internal/website"
)

// MessageStore is what the hub needs from durable history; satisfied by
// *history.Repository.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *history.Message) error
	UpsertVisitor(ctx context.Context, websiteID int, v *history.Visitor) error
	ConversationTail(ctx context.Context, websiteID int, visitorID string, n int) ([]history.Message, error)
}

// WebsiteDirectory is what the hub needs from the website feature;
// satisfied by *website.Service.
type WebsiteDirectory interface {
	Get(ctx context.Context, id int) (*website.Website, error)
	SetAIEnabled(ctx context.Context, id int, enabled bool) error
	CheckLimits(ctx context.Context, id int) (website.LimitsResponse, error)
	RecordReply(ctx context.Context, id int) error
}

// Delivery targets within a website room.
const (
	targetAdmins = "admins"
	// targetConversation reaches every admin plus the one visitor the
	// frame's VisitorID names.
	targetConversation = "conversation"
	targetRoom         = "room"
)

// frame is the unit of room fan-out; it also crosses instances over redis.
type frame struct {
	Target    string          `json:"target"`
	VisitorID string          `json:"visitorId,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// aiContextTurns caps how much history is handed to the responder.
const aiContextTurns = 10

type Hub struct {
	mu        sync.RWMutex
	rooms     map[int]*Room
	store     MessageStore
	websites  WebsiteDirectory
	responder ai.Responder  // nil disables AI replies entirely
	rdb       *redis.Client // nil means single-instance fan-out
	logger    *zap.Logger
}

func NewHub(store MessageStore, websites WebsiteDirectory, responder ai.Responder, rdb *redis.Client, logger *zap.Logger) *Hub {
	return &Hub{
		rooms:     make(map[int]*Room),
		store:     store,
		websites:  websites,
		responder: responder,
		rdb:       rdb,
		logger:    logger,
	}
}

// Join places a client in its website's room, creating the room on first
// use. The pending counter keeps the room alive until the run loop has
// consumed the registration, so a concurrent reap cannot strand the client.
func (h *Hub) Join(websiteID int, c *Client) {
	h.mu.Lock()
	room, ok := h.rooms[websiteID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		room = &Room{
			websiteID:  websiteID,
			hub:        h,
			clients:    make(map[*Client]bool),
			register:   make(chan *Client, 16),
			unregister: make(chan *Client, 16),
			broadcast:  make(chan *frame, 256),
			ctx:        ctx,
			cancel:     cancel,
		}
		h.rooms[websiteID] = room
		go room.run()
	}
	room.pending++
	h.mu.Unlock()

	c.room = room
	room.register <- c
}

func (h *Hub) joined(room *Room) {
	h.mu.Lock()
	room.pending--
	h.mu.Unlock()
}

// tryReap drops a room whose last client is gone. Refused while a join is
// still in flight; the caller keeps the run loop going in that case.
func (h *Hub) tryReap(room *Room) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room.pending > 0 {
		return false
	}
	delete(h.rooms, room.websiteID)
	room.cancel()
	return true
}

func (h *Hub) roomIfExists(websiteID int) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[websiteID]
}

// SubscribeToRedis mirrors frames published by other instances into the
// local rooms. It blocks until ctx is cancelled.
func (h *Hub) SubscribeToRedis(ctx context.Context) {
	if h.rdb == nil {
		return
	}

	pubsub := h.rdb.PSubscribe(ctx, "relay:website:*")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		id, err := strconv.Atoi(strings.TrimPrefix(msg.Channel, "relay:website:"))
		if err != nil {
			continue
		}
		room := h.roomIfExists(id)
		if room == nil {
			continue
		}
		var f frame
		if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
			h.logger.Warn("bad frame from redis", zap.Error(err))
			continue
		}
		room.enqueue(&f)
	}
}

// HandleInbound dispatches one parsed envelope from a connected client.
func (h *Hub) HandleInbound(c *Client, env *event.Envelope) {
	switch env.Type {
	case event.VisitorMessage:
		if c.role == RoleVisitor {
			h.handleVisitorMessage(c, env.Payload)
		}
	case event.AdminMessage:
		if c.role == RoleAdmin {
			h.handleAdminMessage(c, env.Payload)
		}
	case event.UpdateAIState:
		if c.role == RoleAdmin {
			h.handleUpdateAIState(c, env.Payload)
		}
	case event.VisitorStatus:
		if c.role == RoleVisitor {
			h.handleVisitorStatus(c, env.Payload)
		}
	default:
		h.logger.Debug("ignoring unknown event", zap.String("type", env.Type))
	}
}

func (h *Hub) handleVisitorMessage(c *Client, payload json.RawMessage) {
	var p event.VisitorMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Warn("bad visitor message", zap.Error(err))
		return
	}
	text := strings.TrimSpace(p.Message)
	if text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tail, err := h.store.ConversationTail(ctx, c.room.websiteID, c.visitor.VisitorID, 1)
	if err != nil {
		h.logger.Error("conversation lookup failed", zap.Error(err))
	}
	isNew := len(tail) == 0

	now := time.Now().UTC()
	msg := &history.Message{
		WebsiteID: c.room.websiteID,
		VisitorID: c.visitor.VisitorID,
		Type:      event.TypeVisitor,
		Text:      text,
		Timestamp: now,
	}
	if err := h.store.SaveMessage(ctx, msg); err != nil {
		h.logger.Error("message persist failed", zap.Error(err))
	}
	if err := h.store.UpsertVisitor(ctx, c.room.websiteID, &c.visitor); err != nil {
		h.logger.Error("visitor persist failed", zap.Error(err))
	}

	c.room.Broadcast(targetAdmins, "", event.AdminReceiveMessage, event.AdminReceivePayload{
		WebsiteID:         c.room.websiteID,
		VisitorID:         c.visitor.VisitorID,
		Message:           text,
		Timestamp:         now.Format(event.TimeLayout),
		Browser:           c.visitor.Browser,
		Country:           c.visitor.Country,
		CountryCode:       c.visitor.CountryCode,
		VisitorIP:         c.visitor.VisitorIP,
		ASName:            c.visitor.ASName,
		ASN:               c.visitor.ASN,
		Continent:         c.visitor.Continent,
		IsNewConversation: isNew,
	})

	h.markPresence(c.room.websiteID, c.visitor.VisitorID, event.StatusOnline)

	if h.responder != nil {
		go h.maybeReply(c.room, c.visitor.VisitorID, text)
	}
}

// maybeReply runs the AI cycle for one visitor message: website flag, then
// quota, then the actual completion. Any failure along the way means no
// reply; capacity that cannot be confirmed is treated as exhausted.
func (h *Hub) maybeReply(room *Room, visitorID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	site, err := h.websites.Get(ctx, room.websiteID)
	if err != nil || !site.AIEnabled {
		return
	}
	limits, err := h.websites.CheckLimits(ctx, room.websiteID)
	if err != nil || !limits.Eligible {
		return
	}

	tail, err := h.store.ConversationTail(ctx, room.websiteID, visitorID, aiContextTurns)
	if err != nil {
		h.logger.Error("AI context lookup failed", zap.Error(err))
		tail = nil
	}
	turns := make([]ai.Turn, 0, len(tail))
	for _, m := range tail {
		turns = append(turns, ai.Turn{Role: m.Type, Text: m.Text})
	}

	reply, err := h.responder.Reply(ctx, turns, text)
	if err != nil {
		return
	}

	now := time.Now().UTC()
	msg := &history.Message{
		WebsiteID: room.websiteID,
		VisitorID: visitorID,
		Type:      event.TypeAI,
		Text:      reply,
		Timestamp: now,
	}
	if err := h.store.SaveMessage(ctx, msg); err != nil {
		h.logger.Error("AI reply persist failed", zap.Error(err))
	}
	if err := h.websites.RecordReply(ctx, room.websiteID); err != nil {
		h.logger.Error("AI usage record failed", zap.Error(err))
	}

	room.Broadcast(targetConversation, visitorID, event.VisitorReceiveMessage, event.VisitorReceivePayload{
		WebsiteID: room.websiteID,
		VisitorID: visitorID,
		Message:   reply,
		Timestamp: now.Format(event.TimeLayout),
		Type:      event.TypeAI,
	})
}

func (h *Hub) handleAdminMessage(c *Client, payload json.RawMessage) {
	var p event.AdminMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Warn("bad admin message", zap.Error(err))
		return
	}
	text := strings.TrimSpace(p.Message)
	if text == "" || p.VisitorID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	msg := &history.Message{
		WebsiteID: c.room.websiteID,
		VisitorID: p.VisitorID,
		Type:      event.TypeAdmin,
		Text:      text,
		Timestamp: now,
	}
	if err := h.store.SaveMessage(ctx, msg); err != nil {
		h.logger.Error("message persist failed", zap.Error(err))
	}

	// Reaches the visitor and every room admin; the sending dashboard
	// recognises its own userId and drops the echo.
	c.room.Broadcast(targetConversation, p.VisitorID, event.VisitorReceiveMessage, event.VisitorReceivePayload{
		WebsiteID: c.room.websiteID,
		VisitorID: p.VisitorID,
		Message:   text,
		Timestamp: now.Format(event.TimeLayout),
		Type:      event.TypeAdmin,
		UserID:    c.userID,
	})
}

func (h *Hub) handleUpdateAIState(c *Client, payload json.RawMessage) {
	var p event.AIStatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Warn("bad AI state update", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.websites.SetAIEnabled(ctx, c.room.websiteID, p.IsAIEnabled); err != nil {
		h.logger.Error("AI state persist failed", zap.Error(err))
		return
	}

	c.room.Broadcast(targetRoom, "", event.AIStateChanged, event.AIStatePayload{
		WebsiteID:   c.room.websiteID,
		IsAIEnabled: p.IsAIEnabled,
	})
}

func (h *Hub) handleVisitorStatus(c *Client, payload json.RawMessage) {
	var p event.VisitorStatusPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Warn("bad visitor status", zap.Error(err))
		return
	}
	if p.Status != event.StatusOnline && p.Status != event.StatusAway {
		return
	}
	h.markPresence(c.room.websiteID, c.visitor.VisitorID, p.Status)
}

// markPresence updates the redis presence hash and tells room admins.
func (h *Hub) markPresence(websiteID int, visitorID, status string) {
	if h.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		key := presenceKey(websiteID)
		if status == event.StatusOffline {
			h.rdb.HDel(ctx, key, visitorID)
		} else {
			h.rdb.HSet(ctx, key, visitorID, status)
			h.rdb.Expire(ctx, key, 24*time.Hour)
		}
		cancel()
	}

	room := h.roomIfExists(websiteID)
	if room == nil {
		return
	}
	room.Broadcast(targetAdmins, "", event.VisitorStatusChanged, event.VisitorStatusPayload{
		WebsiteID: websiteID,
		VisitorID: visitorID,
		Status:    status,
	})
}

func presenceKey(websiteID int) string {
	return fmt.Sprintf("chat:website:%d:online_visitors", websiteID)
}

// Room owns the connection registry for one website and serializes all
// membership changes and fan-out through its run loop.
type Room struct {
	websiteID  int
	hub        *Hub
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *frame
	ctx        context.Context
	cancel     context.CancelFunc
	// pending counts joins handed out but not yet registered; guarded by
	// the hub mutex.
	pending int
}

func (room *Room) run() {
	for {
		select {
		case <-room.ctx.Done():
			return

		case client := <-room.register:
			room.clients[client] = true
			room.hub.joined(room)
			if client.role == RoleVisitor {
				go room.hub.markPresence(room.websiteID, client.visitor.VisitorID, event.StatusOnline)
			}

		case client := <-room.unregister:
			if _, ok := room.clients[client]; ok {
				delete(room.clients, client)
				close(client.send)
			}
			if client.role == RoleVisitor && !room.hasVisitor(client.visitor.VisitorID) {
				go room.hub.markPresence(room.websiteID, client.visitor.VisitorID, event.StatusOffline)
			}
			if len(room.clients) == 0 && room.hub.tryReap(room) {
				return
			}

		case f := <-room.broadcast:
			room.deliver(f)
		}
	}
}

// hasVisitor reports whether any remaining connection belongs to the
// visitor; only the last tab closing flips them offline.
func (room *Room) hasVisitor(visitorID string) bool {
	for c := range room.clients {
		if c.role == RoleVisitor && c.visitor.VisitorID == visitorID {
			return true
		}
	}
	return false
}

// Broadcast fans an event out to the room, through redis when clustering
// is enabled so every instance delivers to its own clients.
func (room *Room) Broadcast(target, visitorID, name string, payload interface{}) {
	data, err := event.Marshal(name, payload)
	if err != nil {
		room.hub.logger.Error("event marshal failed", zap.Error(err), zap.String("event", name))
		return
	}
	f := &frame{Target: target, VisitorID: visitorID, Data: data}

	if room.hub.rdb != nil {
		raw, err := json.Marshal(f)
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		room.hub.rdb.Publish(ctx, fmt.Sprintf("relay:website:%d", room.websiteID), raw)
		return
	}
	room.enqueue(f)
}

func (room *Room) enqueue(f *frame) {
	select {
	case room.broadcast <- f:
	case <-room.ctx.Done():
	}
}

func (room *Room) deliver(f *frame) {
	for client := range room.clients {
		switch f.Target {
		case targetAdmins:
			if client.role != RoleAdmin {
				continue
			}
		case targetConversation:
			if client.role == RoleVisitor && client.visitor.VisitorID != f.VisitorID {
				continue
			}
		}

		select {
		case client.send <- f.Data:
		default:
			// Slow consumer; drop the connection rather than the room.
			close(client.send)
			delete(room.clients, client)
		}
	}
}
