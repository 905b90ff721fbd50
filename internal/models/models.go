package models

import "time"

// Role identifies one of the two enrichment kinds. Each role has its own
// worker, per-post completion flag, and artifact schema.
type Role string

const (
	RoleCategorize Role = "categorize"
	RoleSummarize  Role = "summarize"
)

// Service returns the settings-key service name for the role
// (keys follow the ai_<service>_<param> pattern).
func (r Role) Service() string {
	switch r {
	case RoleCategorize:
		return "categorization"
	case RoleSummarize:
		return "summarization"
	}
	return string(r)
}

// Post is an immutable payload captured at ingest. Posts are shared
// across tenants; enrichment state lives in per-tenant flags.
type Post struct {
	ID          int64             `json:"id"`
	ChannelID   int64             `json:"channel_id"`
	MessageID   int64             `json:"message_id"`
	Text        string            `json:"text"`
	MediaType   string            `json:"media_type,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
	CollectedAt time.Time         `json:"collected_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	// TenantID binds a candidate post to the tenant whose flag is
	// outstanding; the backend sets it on candidate listings.
	TenantID int64 `json:"tenant_id"`
}

// FlagsStats summarizes outstanding work across all tenants.
type FlagsStats struct {
	Uncategorized int `json:"uncategorized"`
	Unsummarized  int `json:"unsummarized"`
}

// Outstanding reports whether any work remains for the given role.
func (s FlagsStats) Outstanding(role Role) bool {
	if role == RoleCategorize {
		return s.Uncategorized > 0
	}
	return s.Unsummarized > 0
}
