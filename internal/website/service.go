package website

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Store is what the service needs from persistence; satisfied by *Repository.
type Store interface {
	Create(ctx context.Context, w *Website) (*Website, error)
	Get(ctx context.Context, id int) (*Website, error)
	ListByOwner(ctx context.Context, ownerID int) ([]Website, error)
	SetAIEnabled(ctx context.Context, id int, enabled bool) error
	GetUsage(ctx context.Context, websiteID int, period string) (int, error)
	IncrementUsage(ctx context.Context, websiteID int, period string) error
}

type Service struct {
	store        Store
	monthlyLimit int
	logger       *zap.Logger
}

func NewService(store Store, monthlyLimit int, logger *zap.Logger) *Service {
	return &Service{
		store:        store,
		monthlyLimit: monthlyLimit,
		logger:       logger,
	}
}

func (s *Service) Create(ctx context.Context, ownerID int, domain string) (*Website, error) {
	return s.store.Create(ctx, &Website{OwnerID: ownerID, Domain: domain})
}

func (s *Service) Get(ctx context.Context, id int) (*Website, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, ownerID int) ([]Website, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// Owns reports whether the admin owns the website.
func (s *Service) Owns(ctx context.Context, websiteID, adminID int) (bool, error) {
	w, err := s.store.Get(ctx, websiteID)
	if err != nil {
		return false, err
	}
	return w.OwnerID == adminID, nil
}

// ToggleAI flips the AI-enabled flag and returns the new value. The store is
// authoritative; callers broadcast the result to connected peers afterwards.
func (s *Service) ToggleAI(ctx context.Context, id int) (bool, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}

	next := !w.AIEnabled
	if err := s.store.SetAIEnabled(ctx, id, next); err != nil {
		return false, err
	}

	s.logger.Info("AI state toggled",
		zap.Int("websiteID", id),
		zap.Bool("enabled", next))
	return next, nil
}

// SetAIEnabled writes an explicit AI state, used when a connected peer
// pushes the desired value instead of flipping it.
func (s *Service) SetAIEnabled(ctx context.Context, id int, enabled bool) error {
	return s.store.SetAIEnabled(ctx, id, enabled)
}

// CheckLimits reports whether the website may generate another AI reply
// this calendar month.
func (s *Service) CheckLimits(ctx context.Context, id int) (LimitsResponse, error) {
	used, err := s.store.GetUsage(ctx, id, currentPeriod())
	if err != nil {
		return LimitsResponse{}, err
	}
	return LimitsResponse{
		Eligible: used < s.monthlyLimit,
		Used:     used,
		Limit:    s.monthlyLimit,
	}, nil
}

// RecordReply counts one AI reply against the current month.
func (s *Service) RecordReply(ctx context.Context, id int) error {
	return s.store.IncrementUsage(ctx, id, currentPeriod())
}

func currentPeriod() string {
	return time.Now().UTC().Format("2006-01")
}
