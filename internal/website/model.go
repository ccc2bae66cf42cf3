package website

type Website struct {
	ID        int    `json:"id"`
	OwnerID   int    `json:"owner_id"`
	Domain    string `json:"domain"`
	AIEnabled bool   `json:"ai_enabled"`
}

type CreateRequest struct {
	Domain string `json:"domain"`
}

// LimitsResponse is the AI-eligibility answer served to dashboards and
// consulted by the relay before generating a reply.
type LimitsResponse struct {
	Eligible bool `json:"eligible"`
	Used     int  `json:"used"`
	Limit    int  `json:"limit"`
}

type ToggleResponse struct {
	WebsiteID int  `json:"websiteId"`
	AIEnabled bool `json:"ai_enabled"`
}
