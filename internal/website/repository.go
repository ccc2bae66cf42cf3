package website

import (
	"context"
	"database/sql"
	"errors"
)

var ErrNotFound = errors.New("website not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, w *Website) (*Website, error) {
	query := "INSERT INTO websites (owner_id, domain) VALUES ($1, $2) RETURNING id"
	if err := r.db.QueryRowContext(ctx, query, w.OwnerID, w.Domain).Scan(&w.ID); err != nil {
		return nil, err
	}
	return w, nil
}

func (r *Repository) Get(ctx context.Context, id int) (*Website, error) {
	w := &Website{}
	query := "SELECT id, owner_id, domain, ai_enabled FROM websites WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, id).Scan(&w.ID, &w.OwnerID, &w.Domain, &w.AIEnabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return w, nil
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID int) ([]Website, error) {
	query := "SELECT id, owner_id, domain, ai_enabled FROM websites WHERE owner_id = $1 ORDER BY id"
	rows, err := r.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var websites []Website
	for rows.Next() {
		var w Website
		if err := rows.Scan(&w.ID, &w.OwnerID, &w.Domain, &w.AIEnabled); err != nil {
			return nil, err
		}
		websites = append(websites, w)
	}
	return websites, rows.Err()
}

func (r *Repository) SetAIEnabled(ctx context.Context, id int, enabled bool) error {
	res, err := r.db.ExecContext(ctx, "UPDATE websites SET ai_enabled = $2 WHERE id = $1", id, enabled)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) GetUsage(ctx context.Context, websiteID int, period string) (int, error) {
	var replies int
	query := "SELECT replies FROM ai_usage WHERE website_id = $1 AND period = $2"
	err := r.db.QueryRowContext(ctx, query, websiteID, period).Scan(&replies)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return replies, err
}

func (r *Repository) IncrementUsage(ctx context.Context, websiteID int, period string) error {
	query := `
		INSERT INTO ai_usage (website_id, period, replies) VALUES ($1, $2, 1)
		ON CONFLICT (website_id, period) DO UPDATE SET replies = ai_usage.replies + 1
	`
	_, err := r.db.ExecContext(ctx, query, websiteID, period)
	return err
}
