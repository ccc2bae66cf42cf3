package session

import (
	"sort"
	"time"
)

// maxConversationMessages bounds the in-memory window per visitor; the
// oldest entries are trimmed once exceeded. Durable history is unaffected.
const maxConversationMessages = 500

// Store is the in-memory, per-visitor message cache. It is not safe for
// concurrent use on its own; the Controller serializes access.
type Store struct {
	conversations map[string]*Conversation
}

func NewStore() *Store {
	return &Store{conversations: make(map[string]*Conversation)}
}

// Get returns the cached conversation or nil.
func (s *Store) Get(visitorID string) *Conversation {
	return s.conversations[visitorID]
}

// Append inserts one message, deduplicating on timestamp. Returns false
// when an entry with the same timestamp is already cached.
func (s *Store) Append(visitorID string, m Message) bool {
	conv := s.conversations[visitorID]
	if conv == nil {
		conv = &Conversation{Page: 1}
		s.conversations[visitorID] = conv
	}
	for _, existing := range conv.Messages {
		if existing.Timestamp == m.Timestamp {
			return false
		}
	}
	conv.Messages = append(conv.Messages, m)
	sortMessages(conv.Messages)
	conv.Messages = trim(conv.Messages)
	return true
}

// Replace installs a freshly fetched first page, discarding anything
// previously cached for the visitor.
func (s *Store) Replace(visitorID string, page *ConversationPage) {
	msgs := append([]Message(nil), page.Messages...)
	sortMessages(msgs)
	s.conversations[visitorID] = &Conversation{
		Messages: trim(msgs),
		Page:     page.Page,
		HasMore:  page.HasMore,
	}
}

// MergeOlder folds an older history page into the cache: entries whose
// timestamp is already present are dropped, the rest is re-sorted.
// No-op when nothing is cached for the visitor.
func (s *Store) MergeOlder(visitorID string, page *ConversationPage) {
	conv := s.conversations[visitorID]
	if conv == nil {
		return
	}
	seen := make(map[string]bool, len(conv.Messages))
	for _, m := range conv.Messages {
		seen[m.Timestamp] = true
	}
	for _, m := range page.Messages {
		if !seen[m.Timestamp] {
			conv.Messages = append(conv.Messages, m)
		}
	}
	sortMessages(conv.Messages)
	conv.Messages = trim(conv.Messages)
	conv.Page = page.Page
	conv.HasMore = page.HasMore
}

// Delete drops one visitor's conversation.
func (s *Store) Delete(visitorID string) {
	delete(s.conversations, visitorID)
}

// Clear drops every conversation, used on website switch.
func (s *Store) Clear() {
	s.conversations = make(map[string]*Conversation)
}

func (s *Store) Len() int {
	return len(s.conversations)
}

// sortMessages orders ascending by timestamp regardless of arrival order.
// Timestamps parse as RFC3339; anything that does not falls back to raw
// string comparison.
func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, okI := parseTimestamp(msgs[i].Timestamp)
		tj, okJ := parseTimestamp(msgs[j].Timestamp)
		if okI && okJ {
			return ti.Before(tj)
		}
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
}

func parseTimestamp(ts string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	return t, err == nil
}

func trim(msgs []Message) []Message {
	if len(msgs) > maxConversationMessages {
		return msgs[len(msgs)-maxConversationMessages:]
	}
	return msgs
}
