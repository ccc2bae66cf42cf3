package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/mehdi852/chat-relay/internal/event"
)

// EventSink implementation: the transport delivers lifecycle callbacks and
// wire events here. Everything funnels through the controller mutex, so
// handlers see a consistent snapshot and mutate in a single step.

func (c *Controller) HandleConnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Connected
	// After a (re)connect the cached conversation may have missed events;
	// refresh the focused one from durable history.
	if c.selected != "" && c.website != nil {
		go c.loadInitial(c.epoch, c.website.ID, c.selected)
	}
}

func (c *Controller) HandleDisconnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Disconnected
	if err != nil {
		c.logger.Warn("transport disconnected", zap.Error(err))
	}
}

func (c *Controller) HandleEvent(name string, payload json.RawMessage) {
	switch name {
	case event.AdminReceiveMessage:
		var p event.AdminReceivePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.logger.Warn("bad payload", zap.String("event", name), zap.Error(err))
			return
		}
		c.handleVisitorMessage(p)

	case event.VisitorReceiveMessage:
		var p event.VisitorReceivePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.logger.Warn("bad payload", zap.String("event", name), zap.Error(err))
			return
		}
		c.handleReply(p)

	case event.AIStateChanged:
		var p event.AIStatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.logger.Warn("bad payload", zap.String("event", name), zap.Error(err))
			return
		}
		c.handleAIStateChanged(p)

	case event.VisitorStatusChanged:
		var p event.VisitorStatusPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			c.logger.Warn("bad payload", zap.String("event", name), zap.Error(err))
			return
		}
		c.handleStatusChanged(p)
	}
}

// handleVisitorMessage routes an inbound visitor message: idempotent
// append, summary update with geo merge, presence, then the AI typing
// cycle when the website allows it.
func (c *Controller) handleVisitorMessage(p event.AdminReceivePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.website == nil || p.WebsiteID != c.website.ID {
		return
	}

	c.store.Append(p.VisitorID, Message{
		Type:      event.TypeVisitor,
		Text:      p.Message,
		Timestamp: p.Timestamp,
	})

	v := c.visitors.ensure(p.VisitorID)
	mergeGeo(v, p)
	v.LastMessage = p.Message
	v.LastTimestamp = p.Timestamp
	v.Unread = c.selected != p.VisitorID
	c.visitors.setStatus(p.VisitorID, event.StatusOnline)

	if c.website.AIEnabled {
		// Fresh check per message; nothing cached.
		go c.startTypingCycle(c.epoch, c.website.ID, p.VisitorID)
	}
}

// startTypingCycle consults the eligibility gate, and only on a positive
// answer schedules the typing indicator after the fixed delay. Denials and
// failures are final for this message.
func (c *Controller) startTypingCycle(epoch, websiteID int, visitorID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	eligible := c.gate.IsEligible(ctx, websiteID)
	cancel()
	if !eligible {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch || c.website == nil || !c.website.AIEnabled {
		return
	}

	if old := c.typingTimers[visitorID]; old != nil {
		old.Stop()
	}
	c.typingTimers[visitorID] = time.AfterFunc(c.typingDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if epoch != c.epoch || c.website == nil || !c.website.AIEnabled {
			return
		}
		c.typing[visitorID] = true
	})
}

// handleReply routes an AI or admin reply echoed by the server.
func (c *Controller) handleReply(p event.VisitorReceivePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.website == nil || p.WebsiteID != c.website.ID {
		return
	}
	// Own echo: already appended locally on emit.
	if p.Type == event.TypeAdmin && p.UserID == c.adminID {
		return
	}
	if p.Type == event.TypeAI {
		c.clearTypingLocked(p.VisitorID)
	}

	c.store.Append(p.VisitorID, Message{
		Type:      p.Type,
		Text:      p.Message,
		Timestamp: p.Timestamp,
	})
	v := c.visitors.ensure(p.VisitorID)
	v.LastMessage = p.Message
	v.LastTimestamp = p.Timestamp
}

func (c *Controller) handleAIStateChanged(p event.AIStatePayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.website == nil || p.WebsiteID != c.website.ID {
		return
	}
	c.website.AIEnabled = p.IsAIEnabled
	if !p.IsAIEnabled {
		c.clearAllTypingLocked()
	}
}

// handleStatusChanged applies an external presence transition. Offline is
// terminal: the visitor leaves the list, their conversation is dropped and
// the selection is cleared when it pointed at them.
func (c *Controller) handleStatusChanged(p event.VisitorStatusPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.website == nil || p.WebsiteID != c.website.ID {
		return
	}

	if p.Status == event.StatusOffline {
		c.visitors.remove(p.VisitorID)
		c.store.Delete(p.VisitorID)
		c.clearTypingLocked(p.VisitorID)
		if c.selected == p.VisitorID {
			c.selected = ""
		}
		return
	}

	c.visitors.ensure(p.VisitorID)
	c.visitors.setStatus(p.VisitorID, p.Status)
}

// mergeGeo fills visitor geolocation from a payload without letting an
// empty field erase a previously captured value.
func mergeGeo(v *Visitor, p event.AdminReceivePayload) {
	if p.Browser != "" {
		v.Browser = p.Browser
	}
	if p.Country != "" {
		v.Country = p.Country
	}
	if p.CountryCode != "" {
		v.CountryCode = p.CountryCode
	}
	if p.Continent != "" {
		v.Continent = p.Continent
	}
	if p.ASN != "" {
		v.ASN = p.ASN
	}
	if p.ASName != "" {
		v.ASName = p.ASName
	}
	if p.VisitorIP != "" {
		v.IP = p.VisitorIP
	}
}
