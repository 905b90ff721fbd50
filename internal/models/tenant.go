package models

// TenantStatus is the delivery configuration lifecycle state.
type TenantStatus string

const (
	TenantSetup  TenantStatus = "setup"
	TenantActive TenantStatus = "active"
	TenantPaused TenantStatus = "paused"
)

// Category is a per-tenant taxonomy entry. The description is injected
// verbatim into the categorization prompt.
type Category struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}

// Tenant ("public bot") is a delivery configuration. Tenants share the
// post pool; each carries its own taxonomy, prompts, and AI overrides.
type Tenant struct {
	ID                   int64             `json:"id"`
	Name                 string            `json:"name"`
	Status               TenantStatus      `json:"status"`
	ChannelIDs           []int64           `json:"channel_ids"`
	Categories           []Category        `json:"categories"`
	CategorizationPrompt string            `json:"categorization_prompt"`
	SummarizationPrompt  string            `json:"summarization_prompt"`
	Languages            []string          `json:"languages,omitempty"`
	AIOverrides          map[string]string `json:"ai_overrides,omitempty"`
}

// ActiveCategories returns the subset of the taxonomy usable for
// categorization.
func (t *Tenant) ActiveCategories() []Category {
	active := make([]Category, 0, len(t.Categories))
	for _, c := range t.Categories {
		if c.Active {
			active = append(active, c)
		}
	}
	return active
}

// Subscribed reports whether the tenant follows the given channel.
func (t *Tenant) Subscribed(channelID int64) bool {
	for _, id := range t.ChannelIDs {
		if id == channelID {
			return true
		}
	}
	return false
}

// SummaryLanguages returns the configured target languages, defaulting
// to Russian when the tenant has none set.
func (t *Tenant) SummaryLanguages() []string {
	if len(t.Languages) == 0 {
		return []string{"ru"}
	}
	return t.Languages
}
