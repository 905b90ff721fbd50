package models

// Categorization is the per-(post, tenant) result of the categorize
// role. An irrelevant post carries an empty category set and zero
// scores.
type Categorization struct {
	CategoryIDs  []int64           `json:"category_ids"`
	Relevance    map[int64]float64 `json:"relevance,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	Importance   int               `json:"importance"`
	Urgency      int               `json:"urgency"`
	Significance int               `json:"significance"`
	Version      string            `json:"version,omitempty"`
}

// Artifact is one enrichment result for a (post, tenant) pair. Exactly
// one of Categorization or Summaries is set, depending on Role.
// Persisting an artifact flips the matching completion flag atomically
// on the backend side.
type Artifact struct {
	Role           Role              `json:"role"`
	TenantID       int64             `json:"tenant_id"`
	PostID         int64             `json:"post_id"`
	Categorization *Categorization   `json:"categorization,omitempty"`
	Summaries      map[string]string `json:"summaries,omitempty"`
	TokensUsed     int               `json:"tokens_used"`
	ProcessingMS   int64             `json:"processing_time_ms"`
}
