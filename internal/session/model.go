package session

import "errors"

// ConnState is the transport lifecycle state of a dashboard session.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (s ConnState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Refused operations; none of these are retried.
var (
	ErrEmptyMessage      = errors.New("message is empty")
	ErrNoVisitorSelected = errors.New("no visitor selected")
	ErrNotConnected      = errors.New("transport not connected")
	ErrNoWebsite         = errors.New("no website selected")
)

// Message is one cached conversation entry. The timestamp string is the
// dedup and ordering key.
type Message struct {
	Type      string `json:"type"`
	Text      string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Visitor is the dashboard's live view of one widget session.
type Visitor struct {
	ID            string
	Browser       string
	Country       string
	CountryCode   string
	Continent     string
	ASN           string
	ASName        string
	IP            string
	Status        string
	Unread        bool
	LastMessage   string
	LastTimestamp string
}

// Conversation is the in-memory message log for one visitor plus its
// pagination cursor into the durable history.
type Conversation struct {
	Messages []Message
	Page     int
	HasMore  bool
}

// Website mirrors the tenant entity the session is scoped to.
type Website struct {
	ID        int    `json:"id"`
	Domain    string `json:"domain"`
	AIEnabled bool   `json:"ai_enabled"`
}

// ConversationPage is the REST shape of one history page.
type ConversationPage struct {
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	HasMore  bool      `json:"hasMore"`
}

// VisitorSummary is one row of the REST history listing.
type VisitorSummary struct {
	VisitorID     string `json:"visitorId"`
	Browser       string `json:"browser"`
	Country       string `json:"country"`
	CountryCode   string `json:"country_code"`
	Continent     string `json:"continent"`
	ASN           string `json:"asn"`
	ASName        string `json:"as_name"`
	IP            string `json:"visitor_ip"`
	LastMessage   string `json:"lastMessage"`
	LastTimestamp string `json:"lastTimestamp"`
	Unread        int    `json:"unread"`
}

// HistoryPage is the REST shape of the paginated visitor listing.
type HistoryPage struct {
	Visitors []VisitorSummary `json:"visitors"`
	Page     int              `json:"page"`
	HasMore  bool             `json:"hasMore"`
}
