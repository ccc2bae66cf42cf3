package session

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAppendIsIdempotent(t *testing.T) {
	s := NewStore()

	msg := Message{Type: "visitor", Text: "Hi", Timestamp: "2026-08-01T10:00:00.000Z"}
	assert.True(t, s.Append("v1", msg))
	assert.False(t, s.Append("v1", msg))

	conv := s.Get("v1")
	require.NotNil(t, conv)
	assert.Len(t, conv.Messages, 1)
}

func TestStoreKeepsMessagesSorted(t *testing.T) {
	s := NewStore()

	// Deliberately out of arrival order.
	timestamps := []string{
		"2026-08-01T10:00:03.000Z",
		"2026-08-01T10:00:01.000Z",
		"2026-08-01T10:00:05.000Z",
		"2026-08-01T10:00:02.000Z",
		"2026-08-01T10:00:04.000Z",
	}
	for _, ts := range timestamps {
		s.Append("v1", Message{Type: "visitor", Text: "m", Timestamp: ts})
	}

	conv := s.Get("v1")
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 5)
	for i := 1; i < len(conv.Messages); i++ {
		assert.LessOrEqual(t, conv.Messages[i-1].Timestamp, conv.Messages[i].Timestamp)
	}
}

func TestStoreReplaceDiscardsCache(t *testing.T) {
	s := NewStore()
	s.Append("v1", Message{Type: "visitor", Text: "stale", Timestamp: "2026-08-01T09:00:00.000Z"})

	s.Replace("v1", &ConversationPage{
		Messages: []Message{
			{Type: "visitor", Text: "fresh", Timestamp: "2026-08-01T10:00:00.000Z"},
		},
		Page:    1,
		HasMore: true,
	})

	conv := s.Get("v1")
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "fresh", conv.Messages[0].Text)
	assert.Equal(t, 1, conv.Page)
	assert.True(t, conv.HasMore)
}

func TestStoreMergeOlderFiltersDuplicates(t *testing.T) {
	s := NewStore()
	s.Replace("v1", &ConversationPage{
		Messages: []Message{
			{Type: "visitor", Text: "b", Timestamp: "2026-08-01T10:00:02.000Z"},
			{Type: "admin", Text: "c", Timestamp: "2026-08-01T10:00:03.000Z"},
		},
		Page:    1,
		HasMore: true,
	})

	s.MergeOlder("v1", &ConversationPage{
		Messages: []Message{
			{Type: "visitor", Text: "a", Timestamp: "2026-08-01T10:00:01.000Z"},
			// Duplicate of an already cached entry.
			{Type: "visitor", Text: "b", Timestamp: "2026-08-01T10:00:02.000Z"},
		},
		Page:    2,
		HasMore: false,
	})

	conv := s.Get("v1")
	require.NotNil(t, conv)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "a", conv.Messages[0].Text)
	assert.Equal(t, "b", conv.Messages[1].Text)
	assert.Equal(t, "c", conv.Messages[2].Text)
	assert.Equal(t, 2, conv.Page)
	assert.False(t, conv.HasMore)
}

func TestStoreMergeOlderWithoutCacheIsNoop(t *testing.T) {
	s := NewStore()
	s.MergeOlder("ghost", &ConversationPage{
		Messages: []Message{{Type: "visitor", Text: "x", Timestamp: "2026-08-01T10:00:00.000Z"}},
	})
	assert.Nil(t, s.Get("ghost"))
	assert.Equal(t, 0, s.Len())
}

func TestStoreTrimsOldestBeyondWindow(t *testing.T) {
	s := NewStore()
	total := maxConversationMessages + 25
	for i := 0; i < total; i++ {
		ts := fmt.Sprintf("2026-08-01T10:00:00.%03dZ", i)
		s.Append("v1", Message{Type: "visitor", Text: fmt.Sprintf("m%d", i), Timestamp: ts})
	}

	conv := s.Get("v1")
	require.NotNil(t, conv)
	assert.Len(t, conv.Messages, maxConversationMessages)
	// The oldest entries are the ones that went.
	assert.Equal(t, "m25", conv.Messages[0].Text)
}

func TestStoreClear(t *testing.T) {
	s := NewStore()
	s.Append("v1", Message{Type: "visitor", Text: "x", Timestamp: "2026-08-01T10:00:00.000Z"})
	s.Append("v2", Message{Type: "visitor", Text: "y", Timestamp: "2026-08-01T10:00:01.000Z"})

	s.Clear()
	assert.Equal(t, 0, s.Len())
	assert.Nil(t, s.Get("v1"))
}
