package history

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mehdi852/chat-relay/internal/event"
)

func TestMessageTimestampMatchesLiveEventLayout(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)

	data, err := json.Marshal(Message{
		ID:        "m-1",
		WebsiteID: 1,
		VisitorID: "v-42",
		Type:      event.TypeVisitor,
		Text:      "hello",
		Timestamp: ts,
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	// A stored message and its live broadcast must share one timestamp key.
	assert.Equal(t, ts.Format(event.TimeLayout), decoded["timestamp"])
	assert.Equal(t, "2026-03-14T09:26:53.589Z", decoded["timestamp"])
	assert.Equal(t, "hello", decoded["message"])
}

func TestVisitorSummaryTimestampMatchesLiveEventLayout(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 1, time.UTC)

	data, err := json.Marshal(VisitorSummary{
		Visitor:       Visitor{VisitorID: "v-42"},
		LastMessage:   "hello",
		LastTimestamp: ts,
		Unread:        2,
	})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "2026-03-14T09:26:53.000Z", decoded["lastTimestamp"])
	assert.Equal(t, "v-42", decoded["visitorId"])
}
