package history

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) SaveMessage(ctx context.Context, m *Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	query := `
		INSERT INTO messages (id, website_id, visitor_id, type, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.WebsiteID, m.VisitorID, m.Type, m.Text, m.Timestamp)
	return err
}

// UpsertVisitor records a visitor sighting. Geolocation columns are only
// overwritten by non-empty values so a later sighting without geo data
// cannot erase what an earlier one captured.
func (r *Repository) UpsertVisitor(ctx context.Context, websiteID int, v *Visitor) error {
	query := `
		INSERT INTO visitors (website_id, visitor_id, browser, country, country_code,
		                      continent, asn, as_name, visitor_ip, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (website_id, visitor_id) DO UPDATE SET
			browser      = COALESCE(NULLIF(EXCLUDED.browser, ''), visitors.browser),
			country      = COALESCE(NULLIF(EXCLUDED.country, ''), visitors.country),
			country_code = COALESCE(NULLIF(EXCLUDED.country_code, ''), visitors.country_code),
			continent    = COALESCE(NULLIF(EXCLUDED.continent, ''), visitors.continent),
			asn          = COALESCE(NULLIF(EXCLUDED.asn, ''), visitors.asn),
			as_name      = COALESCE(NULLIF(EXCLUDED.as_name, ''), visitors.as_name),
			visitor_ip   = COALESCE(NULLIF(EXCLUDED.visitor_ip, ''), visitors.visitor_ip),
			last_seen    = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, websiteID, v.VisitorID,
		v.Browser, v.Country, v.CountryCode, v.Continent, v.ASN, v.ASName, v.VisitorIP)
	return err
}

// ConversationPage returns page N of a conversation, newest page first but
// ascending by timestamp within the page, the shape dashboard caches merge.
func (r *Repository) ConversationPage(ctx context.Context, websiteID int, visitorID string, page, size int) (*ConversationPage, error) {
	if page < 1 {
		page = 1
	}
	query := `
		SELECT id, type, content, created_at
		FROM messages
		WHERE website_id = $1 AND visitor_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.QueryContext(ctx, query, websiteID, visitorID, size+1, (page-1)*size)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var newestFirst []Message
	for rows.Next() {
		m := Message{WebsiteID: websiteID, VisitorID: visitorID}
		if err := rows.Scan(&m.ID, &m.Type, &m.Text, &m.Timestamp); err != nil {
			return nil, err
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(newestFirst) > size
	if hasMore {
		newestFirst = newestFirst[:size]
	}

	// Reverse into ascending order within the page.
	messages := make([]Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		messages = append(messages, newestFirst[i])
	}

	return &ConversationPage{Messages: messages, Page: page, HasMore: hasMore}, nil
}

// HistoryPage lists visitors with conversations, most recently active first.
func (r *Repository) HistoryPage(ctx context.Context, websiteID int, page, size int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	query := `
		SELECT v.visitor_id, v.browser, v.country, v.country_code, v.continent,
		       v.asn, v.as_name, v.visitor_ip,
		       last.content, last.created_at,
		       (SELECT COUNT(*) FROM messages u
		         WHERE u.website_id = v.website_id AND u.visitor_id = v.visitor_id
		           AND u.type = 'visitor' AND NOT u.read) AS unread
		FROM visitors v
		JOIN LATERAL (
			SELECT content, created_at FROM messages m
			WHERE m.website_id = v.website_id AND m.visitor_id = v.visitor_id
			ORDER BY m.created_at DESC LIMIT 1
		) last ON TRUE
		WHERE v.website_id = $1
		ORDER BY last.created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.QueryContext(ctx, query, websiteID, size+1, (page-1)*size)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var visitors []VisitorSummary
	for rows.Next() {
		var s VisitorSummary
		if err := rows.Scan(&s.VisitorID, &s.Browser, &s.Country, &s.CountryCode,
			&s.Continent, &s.ASN, &s.ASName, &s.VisitorIP,
			&s.LastMessage, &s.LastTimestamp, &s.Unread); err != nil {
			return nil, err
		}
		visitors = append(visitors, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(visitors) > size
	if hasMore {
		visitors = visitors[:size]
	}
	return &HistoryPage{Visitors: visitors, Page: page, HasMore: hasMore}, nil
}

// MarkRead flags all visitor messages of the conversation as read.
func (r *Repository) MarkRead(ctx context.Context, websiteID int, visitorID string) error {
	query := `
		UPDATE messages SET read = TRUE
		WHERE website_id = $1 AND visitor_id = $2 AND type = 'visitor' AND NOT read
	`
	_, err := r.db.ExecContext(ctx, query, websiteID, visitorID)
	return err
}

// ConversationTail returns the n most recent messages ascending, used to
// give the AI responder conversational context.
func (r *Repository) ConversationTail(ctx context.Context, websiteID int, visitorID string, n int) ([]Message, error) {
	page, err := r.ConversationPage(ctx, websiteID, visitorID, 1, n)
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}
