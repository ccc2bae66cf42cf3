package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Collaborators is the REST surface the session core consumes. Satisfied
// by *API; tests substitute fakes.
type Collaborators interface {
	Websites(ctx context.Context) ([]Website, error)
	History(ctx context.Context, websiteID, page int) (*HistoryPage, error)
	ConversationPage(ctx context.Context, websiteID int, visitorID string, page int) (*ConversationPage, error)
	MarkRead(ctx context.Context, websiteID int, visitorID string) error
	CheckLimits(ctx context.Context, websiteID int) (bool, error)
	ToggleAI(ctx context.Context, websiteID int) (bool, error)
}

// API talks to the relay's REST collaborators. Non-2xx responses surface
// as errors; callers log and degrade the affected feature.
type API struct {
	client *resty.Client
	logger *zap.Logger
}

func NewAPI(baseURL, token string, logger *zap.Logger) *API {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(token).
		SetTimeout(10 * time.Second)
	return &API{client: client, logger: logger}
}

func (a *API) Websites(ctx context.Context) ([]Website, error) {
	var out []Website
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/websites")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("website list failed: %s", resp.Status())
	}
	return out, nil
}

func (a *API) History(ctx context.Context, websiteID, page int) (*HistoryPage, error) {
	var out HistoryPage
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"websiteId": fmt.Sprintf("%d", websiteID),
			"page":      fmt.Sprintf("%d", page),
		}).
		SetResult(&out).
		Get("/api/chat/history")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("history fetch failed: %s", resp.Status())
	}
	return &out, nil
}

func (a *API) ConversationPage(ctx context.Context, websiteID int, visitorID string, page int) (*ConversationPage, error) {
	var out ConversationPage
	resp, err := a.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"websiteId": fmt.Sprintf("%d", websiteID),
			"visitorId": visitorID,
			"page":      fmt.Sprintf("%d", page),
		}).
		SetResult(&out).
		Get("/api/chat/conversation")
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return nil, fmt.Errorf("conversation fetch failed: %s", resp.Status())
	}
	return &out, nil
}

func (a *API) MarkRead(ctx context.Context, websiteID int, visitorID string) error {
	resp, err := a.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"websiteId": websiteID,
			"visitorId": visitorID,
		}).
		Post("/api/chat/read")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("mark read failed: %s", resp.Status())
	}
	return nil
}

func (a *API) CheckLimits(ctx context.Context, websiteID int) (bool, error) {
	var out struct {
		Eligible bool `json:"eligible"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/websites/%d/ai/limits", websiteID))
	if err != nil {
		return false, err
	}
	if resp.IsError() {
		return false, fmt.Errorf("limits check failed: %s", resp.Status())
	}
	return out.Eligible, nil
}

func (a *API) ToggleAI(ctx context.Context, websiteID int) (bool, error) {
	var out struct {
		AIEnabled bool `json:"ai_enabled"`
	}
	resp, err := a.client.R().
		SetContext(ctx).
		SetResult(&out).
		Post(fmt.Sprintf("/api/websites/%d/ai", websiteID))
	if err != nil {
		return false, err
	}
	if resp.IsError() {
		return false, fmt.Errorf("AI toggle failed: %s", resp.Status())
	}
	return out.AIEnabled, nil
}
