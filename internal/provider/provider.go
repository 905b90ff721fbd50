package provider

import (
	"context"
	"errors"

	"github.com/xaenox/digest-ai/internal/models"
	"github.com/xaenox/digest-ai/internal/settings"
)

// Error taxonomy for provider calls. Workers decide batch fate from
// these: transient → sleep and retry later, permanent → abandon the
// batch and record for the operator, over-budget → abandon.
var (
	ErrTransient  = errors.New("transient provider error")
	ErrPermanent  = errors.New("permanent provider error")
	ErrOverBudget = errors.New("provider token budget exceeded")
)

// CategorizationItem is one per-post result of a categorize call.
// Summary "NULL" means the post matched no active category.
type CategorizationItem struct {
	ID           int64  `json:"id"`
	Summary      string `json:"summary"`
	Category     string `json:"category"`
	Importance   int    `json:"importance"`
	Urgency      int    `json:"urgency"`
	Significance int    `json:"significance"`
}

// SummarizationItem is one per-post result of a summarize call.
type SummarizationItem struct {
	ID        int64  `json:"id"`
	SummaryRU string `json:"summary_ru"`
	SummaryEN string `json:"summary_en,omitempty"`
}

// Completion is a parsed, schema-validated provider response. Exactly
// one of the item slices is populated, matching the requested role.
type Completion struct {
	Categorizations []CategorizationItem
	Summarizations  []SummarizationItem
	TokensUsed      int
}

// Completer abstracts the chat-completion call so workers can be tested
// against an in-process fake.
type Completer interface {
	Complete(ctx context.Context, role models.Role, system, user string, cfg settings.ServiceConfig) (*Completion, error)
}
