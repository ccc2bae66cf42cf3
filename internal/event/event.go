package event

import "encoding/json"

// Wire event names shared by the relay server, the admin dashboard core
// and the visitor widget.
const (
	AdminMessage          = "admin-message"
	AdminReceiveMessage   = "admin-receive-message"
	VisitorMessage        = "visitor-message"
	VisitorReceiveMessage = "visitor-receive-message"
	AIStateChanged        = "ai-state-changed"
	UpdateAIState         = "update-ai-state"
	VisitorStatusChanged  = "visitor-status-changed"
	VisitorStatus         = "visitor-status"
	SessionEstablished    = "session-established"
)

// Visitor presence values carried by VisitorStatusChanged.
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusOffline = "offline"
)

// Message author types carried by VisitorReceiveMessage.
const (
	TypeVisitor = "visitor"
	TypeAdmin   = "admin"
	TypeAI      = "ai"
)

// TimeLayout is the timestamp format used on the wire. Fixed fractional
// width so timestamps compare lexicographically in chronological order.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope frames every websocket message as {type, payload}.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Marshal wraps a payload into an envelope and encodes it.
func Marshal(name string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: name, Payload: raw})
}

// AdminMessagePayload is an outbound admin reply (admin dashboard -> server).
type AdminMessagePayload struct {
	WebsiteID int    `json:"websiteId"`
	VisitorID string `json:"visitorId"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	UserID    int    `json:"userId"`
}

// AdminReceivePayload is a visitor message fanned out to room admins.
type AdminReceivePayload struct {
	WebsiteID         int    `json:"websiteId"`
	VisitorID         string `json:"visitorId"`
	Message           string `json:"message"`
	Timestamp         string `json:"timestamp"`
	Browser           string `json:"browser"`
	Country           string `json:"country"`
	CountryCode       string `json:"country_code"`
	VisitorIP         string `json:"visitor_ip"`
	ASName            string `json:"as_name"`
	ASN               string `json:"asn"`
	Continent         string `json:"continent"`
	IsNewConversation bool   `json:"isNewConversation"`
}

// VisitorReceivePayload is an AI or admin reply fanned out to the visitor
// and echoed to room admins. UserID identifies the originating admin so
// dashboard sessions can suppress their own echo; it is zero for AI replies.
type VisitorReceivePayload struct {
	WebsiteID int    `json:"websiteId"`
	VisitorID string `json:"visitorId"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	UserID    int    `json:"userId"`
}

// VisitorMessagePayload is an inbound visitor message (widget -> server).
type VisitorMessagePayload struct {
	WebsiteID int    `json:"websiteId"`
	VisitorID string `json:"visitorId"`
	Message   string `json:"message"`
	Browser   string `json:"browser"`
}

// AIStatePayload carries the AI-enabled flag for a website, both as the
// UpdateAIState command and the AIStateChanged broadcast.
type AIStatePayload struct {
	WebsiteID   int  `json:"websiteId"`
	IsAIEnabled bool `json:"isAiEnabled"`
}

// VisitorStatusPayload carries a presence transition for one visitor.
type VisitorStatusPayload struct {
	WebsiteID int    `json:"websiteId"`
	VisitorID string `json:"visitorId"`
	Status    string `json:"status"`
}
