package history

import (
	"encoding/json"
	"time"

	"github.com/mehdi852/chat-relay/internal/event"
)

// Message is one durable conversation entry. Timestamps are the ordering
// and dedup key for dashboard caches, so they are stored at full precision.
type Message struct {
	ID        string    `json:"id"`
	WebsiteID int       `json:"websiteId"`
	VisitorID string    `json:"visitorId"`
	Type      string    `json:"type"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MarshalJSON renders the timestamp in the same layout as live events, so a
// message seen over the socket and re-read from history shares one dedup key.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
	}{
		alias:     alias(m),
		Timestamp: m.Timestamp.UTC().Format(event.TimeLayout),
	})
}

// Visitor is the durable per-visitor record: identity plus geolocation
// captured from the widget connection.
type Visitor struct {
	VisitorID   string `json:"visitorId"`
	Browser     string `json:"browser"`
	Country     string `json:"country"`
	CountryCode string `json:"country_code"`
	Continent   string `json:"continent"`
	ASN         string `json:"asn"`
	ASName      string `json:"as_name"`
	VisitorIP   string `json:"visitor_ip"`
}

// ConversationPage is one page of a visitor's conversation, ascending by
// timestamp within the page. Page 1 holds the newest messages.
type ConversationPage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	HasMore  bool      `json:"hasMore"`
}

// VisitorSummary is one row of the paginated history listing.
type VisitorSummary struct {
	Visitor
	LastMessage   string    `json:"lastMessage"`
	LastTimestamp time.Time `json:"lastTimestamp"`
	Unread        int       `json:"unread"`
}

func (s VisitorSummary) MarshalJSON() ([]byte, error) {
	type alias VisitorSummary
	return json.Marshal(struct {
		alias
		LastTimestamp string `json:"lastTimestamp"`
	}{
		alias:         alias(s),
		LastTimestamp: s.LastTimestamp.UTC().Format(event.TimeLayout),
	})
}

// HistoryPage is one page of visitor summaries, most recent first.
type HistoryPage struct {
	Visitors []VisitorSummary `json:"visitors"`
	Page     int              `json:"page"`
	HasMore  bool             `json:"hasMore"`
}
