package session

import (
	"context"

	"go.uber.org/zap"
)

// EligibilityGate answers whether an AI typing/response cycle may start.
// Consulted fresh on every visitor message; results are never cached.
type EligibilityGate interface {
	IsEligible(ctx context.Context, websiteID int) bool
}

// restGate asks the limits endpoint. Any failure, transport or otherwise,
// counts as not eligible: better no indicator than a misleading one.
type restGate struct {
	api    Collaborators
	logger *zap.Logger
}

func NewRestGate(api Collaborators, logger *zap.Logger) EligibilityGate {
	return &restGate{api: api, logger: logger}
}

func (g *restGate) IsEligible(ctx context.Context, websiteID int) bool {
	eligible, err := g.api.CheckLimits(ctx, websiteID)
	if err != nil {
		g.logger.Warn("limits check failed, denying AI cycle",
			zap.Int("websiteID", websiteID),
			zap.Error(err))
		return false
	}
	return eligible
}
