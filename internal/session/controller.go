package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mehdi852/chat-relay/internal/event"
)

const (
	defaultTypingDelay = 500 * time.Millisecond
	fetchTimeout       = 10 * time.Second
)

// Controller owns the lifecycle of exactly one transport connection per
// (website, admin) pair and is the only writer of the session state:
// conversation cache, visitor list, typing indicators, selection. A single
// mutex serializes transport callbacks and dashboard commands; async
// completions check the epoch before touching state so nothing from a
// stale website context survives a switch.
type Controller struct {
	mu sync.Mutex

	transport Transport
	api       Collaborators
	gate      EligibilityGate
	logger    *zap.Logger

	typingDelay time.Duration

	epoch   int
	state   ConnState
	adminID int
	website *Website

	store        *Store
	visitors     *presence
	typing       map[string]bool
	typingTimers map[string]*time.Timer
	selected     string
}

func NewController(transport Transport, api Collaborators, gate EligibilityGate, logger *zap.Logger) *Controller {
	return &Controller{
		transport:    transport,
		api:          api,
		gate:         gate,
		logger:       logger,
		typingDelay:  defaultTypingDelay,
		store:        NewStore(),
		visitors:     newPresence(),
		typing:       make(map[string]bool),
		typingTimers: make(map[string]*time.Timer),
	}
}

// SetIdentity installs the authenticated admin identity. Any existing
// connection is torn down first; a new one is dialed when a website is
// also selected.
func (c *Controller) SetIdentity(adminID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.adminID = adminID
	if c.website != nil && c.adminID != 0 {
		c.connectLocked()
	}
}

// SelectWebsite switches the session to another tenant. The switch is
// atomic from the caller's perspective: all cached state is reset before
// the new connection is requested.
func (c *Controller) SelectWebsite(site Website) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.website = &site
	if c.adminID != 0 {
		c.connectLocked()
	}
}

// Logout drops the identity, the website and the connection.
func (c *Controller) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()
	c.adminID = 0
	c.website = nil
}

// teardownLocked invalidates every in-flight continuation, disconnects
// and resets the per-website state.
func (c *Controller) teardownLocked() {
	c.epoch++
	c.transport.Disconnect()
	c.state = Disconnected
	c.selected = ""
	c.store.Clear()
	c.visitors.clear()
	c.clearAllTypingLocked()
}

// connectLocked starts the dial without blocking the caller. A failed
// initialization is logged and leaves the session disconnected until the
// next website or identity change; it is not retried here.
func (c *Controller) connectLocked() {
	c.state = Connecting
	epoch := c.epoch
	params := Params{WebsiteID: c.website.ID, UserID: c.adminID, Type: "admin"}

	go func() {
		err := c.transport.Connect(context.Background(), params, c)

		c.mu.Lock()
		defer c.mu.Unlock()
		if epoch != c.epoch {
			// The session moved on while this dial was in flight. A late
			// success would leave the transport bound to the old website's
			// room; drop that binding and restore the current context.
			if err == nil {
				c.transport.Disconnect()
				if c.website != nil && c.adminID != 0 {
					c.connectLocked()
				}
			}
			return
		}
		if err != nil {
			c.logger.Warn("connect failed", zap.Int("websiteID", params.WebsiteID), zap.Error(err))
			c.state = Disconnected
		}
	}()
}

// SelectVisitor changes the focused conversation and refreshes it from
// durable history (page 1 fully replaces the cache, avoiding staleness).
func (c *Controller) SelectVisitor(visitorID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.website == nil {
		return ErrNoWebsite
	}
	if c.selected != "" && c.selected != visitorID {
		c.clearTypingLocked(c.selected)
	}
	c.selected = visitorID
	if v := c.visitors.get(visitorID); v != nil {
		v.Unread = false
	}
	go c.loadInitial(c.epoch, c.website.ID, visitorID)
	return nil
}

func (c *Controller) loadInitial(epoch, websiteID int, visitorID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()
	page, err := c.api.ConversationPage(ctx, websiteID, visitorID, 1)
	if err != nil {
		c.logger.Error("conversation load failed",
			zap.Int("websiteID", websiteID),
			zap.String("visitorID", visitorID),
			zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return
	}
	c.store.Replace(visitorID, page)
}

// LoadMore fetches the next older history page for a visitor. No-op when
// nothing is cached or the cursor is exhausted.
func (c *Controller) LoadMore(ctx context.Context, visitorID string) error {
	c.mu.Lock()
	conv := c.store.Get(visitorID)
	if c.website == nil || conv == nil || !conv.HasMore {
		c.mu.Unlock()
		return nil
	}
	epoch := c.epoch
	websiteID := c.website.ID
	nextPage := conv.Page + 1
	c.mu.Unlock()

	page, err := c.api.ConversationPage(ctx, websiteID, visitorID, nextPage)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return nil
	}
	c.store.MergeOlder(visitorID, page)
	return nil
}

// LoadVisitors pulls one page of the visitor listing into the live list.
// Returns whether more pages exist.
func (c *Controller) LoadVisitors(ctx context.Context, page int) (bool, error) {
	c.mu.Lock()
	if c.website == nil {
		c.mu.Unlock()
		return false, ErrNoWebsite
	}
	epoch := c.epoch
	websiteID := c.website.ID
	c.mu.Unlock()

	result, err := c.api.History(ctx, websiteID, page)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return false, nil
	}
	for _, s := range result.Visitors {
		v := c.visitors.ensure(s.VisitorID)
		v.Browser = s.Browser
		v.Country = s.Country
		v.CountryCode = s.CountryCode
		v.Continent = s.Continent
		v.ASN = s.ASN
		v.ASName = s.ASName
		v.IP = s.IP
		v.LastMessage = s.LastMessage
		v.LastTimestamp = s.LastTimestamp
		v.Unread = s.Unread > 0
	}
	return result.HasMore, nil
}

// MarkRead persists the read state, then zeroes the local unread flag for
// that visitor only. Live conversation state is untouched.
func (c *Controller) MarkRead(ctx context.Context, visitorID string) error {
	c.mu.Lock()
	if c.website == nil {
		c.mu.Unlock()
		return ErrNoWebsite
	}
	epoch := c.epoch
	websiteID := c.website.ID
	c.mu.Unlock()

	if err := c.api.MarkRead(ctx, websiteID, visitorID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return nil
	}
	if v := c.visitors.get(visitorID); v != nil {
		v.Unread = false
	}
	return nil
}

// SendMessage emits an admin reply for the selected visitor. The local
// echo is appended only after a successful emit, so the cache never holds
// a message the server did not get; durable persistence remains the
// server's job.
func (c *Controller) SendMessage(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ErrEmptyMessage
	}
	if c.selected == "" {
		return ErrNoVisitorSelected
	}
	if c.state != Connected || c.website == nil {
		return ErrNotConnected
	}

	ts := time.Now().UTC().Format(event.TimeLayout)
	payload := event.AdminMessagePayload{
		WebsiteID: c.website.ID,
		VisitorID: c.selected,
		Message:   trimmed,
		Timestamp: ts,
		UserID:    c.adminID,
	}
	if err := c.transport.Emit(event.AdminMessage, payload); err != nil {
		return err
	}

	c.store.Append(c.selected, Message{Type: event.TypeAdmin, Text: trimmed, Timestamp: ts})
	if v := c.visitors.get(c.selected); v != nil {
		v.LastMessage = trimmed
		v.LastTimestamp = ts
	}
	return nil
}

// ToggleAI flips the website's AI flag through the authoritative store,
// then fans the new state out over the transport so connected peers
// converge. Disabling clears every typing indicator immediately.
func (c *Controller) ToggleAI(ctx context.Context) error {
	c.mu.Lock()
	if c.website == nil {
		c.mu.Unlock()
		return ErrNoWebsite
	}
	epoch := c.epoch
	websiteID := c.website.ID
	c.mu.Unlock()

	enabled, err := c.api.ToggleAI(ctx, websiteID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch {
		return nil
	}
	c.website.AIEnabled = enabled
	if !enabled {
		c.clearAllTypingLocked()
	}

	// Best-effort fan-out; the store above is the source of truth.
	payload := event.AIStatePayload{WebsiteID: websiteID, IsAIEnabled: enabled}
	if err := c.transport.Emit(event.UpdateAIState, payload); err != nil {
		c.logger.Warn("AI state fan-out failed", zap.Error(err))
	}
	return nil
}

// Accessors. Each returns a copy; internal state is never exposed.

func (c *Controller) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Connected() bool {
	return c.State() == Connected
}

func (c *Controller) Website() (Website, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.website == nil {
		return Website{}, false
	}
	return *c.website, true
}

func (c *Controller) SelectedVisitor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

func (c *Controller) Visitors() []Visitor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.visitors.list()
}

func (c *Controller) Conversation(visitorID string) (Conversation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv := c.store.Get(visitorID)
	if conv == nil {
		return Conversation{}, false
	}
	out := Conversation{
		Messages: append([]Message(nil), conv.Messages...),
		Page:     conv.Page,
		HasMore:  conv.HasMore,
	}
	return out, true
}

func (c *Controller) Typing(visitorID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing[visitorID]
}

func (c *Controller) clearTypingLocked(visitorID string) {
	delete(c.typing, visitorID)
	if timer := c.typingTimers[visitorID]; timer != nil {
		timer.Stop()
		delete(c.typingTimers, visitorID)
	}
}

func (c *Controller) clearAllTypingLocked() {
	for id, timer := range c.typingTimers {
		timer.Stop()
		delete(c.typingTimers, id)
	}
	c.typing = make(map[string]bool)
}
