package session

import (
	"context"
	"encoding/json"
)

// Params are the session parameters carried on connect.
type Params struct {
	WebsiteID int
	UserID    int
	Type      string
}

// EventSink receives transport lifecycle callbacks and wire events. The
// Controller implements it.
type EventSink interface {
	HandleConnect()
	HandleDisconnect(err error)
	HandleEvent(name string, payload json.RawMessage)
}

// Transport is an exclusive connection to the relay server. The Controller
// is its sole owner; no other component opens or closes it.
type Transport interface {
	// Connect dials with bounded retries and starts delivering events to
	// the sink. It returns once the connection is established or the
	// retry budget is exhausted.
	Connect(ctx context.Context, p Params, sink EventSink) error
	// Disconnect tears the connection down; the sink receives no further
	// callbacks for it.
	Disconnect()
	// Emit sends one event; fails when not connected.
	Emit(name string, payload interface{}) error
}
