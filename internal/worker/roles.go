package worker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/digest-ai/internal/models"
	"github.com/xaenox/digest-ai/internal/provider"
	"go.uber.org/zap"
)

// Handler supplies the role-specific halves of the worker state
// machine: payload building before the provider call and result
// mapping after it. Both are pure with respect to worker state.
type Handler interface {
	Role() models.Role
	// Runnable reports whether the tenant has anything this role can
	// work with.
	Runnable(tenant *models.Tenant) bool
	BuildPrompt(tenant *models.Tenant, posts []models.Post) (system, user string, err error)
	MapResults(tenant *models.Tenant, posts []models.Post, completion *provider.Completion, logger *zap.Logger) []models.Artifact
}

// noCategorySummary is the provider's marker for a post that matched no
// active category.
const noCategorySummary = "NULL"

// Categorizer maps posts onto a tenant's category taxonomy with
// importance, urgency, and significance scores.
type Categorizer struct {
	// Version tags artifacts with prompt/model provenance.
	Version string
}

func (Categorizer) Role() models.Role { return models.RoleCategorize }

// Runnable skips tenants with an empty active taxonomy entirely.
func (Categorizer) Runnable(tenant *models.Tenant) bool {
	return len(tenant.ActiveCategories()) > 0
}

func (Categorizer) BuildPrompt(tenant *models.Tenant, posts []models.Post) (string, string, error) {
	var sb strings.Builder
	sb.WriteString(tenant.CategorizationPrompt)
	sb.WriteString("\n\nCategories:\n")
	for _, c := range tenant.ActiveCategories() {
		fmt.Fprintf(&sb, "- %s: %s\n", c.Name, c.Description)
	}

	type postPayload struct {
		ID        int64  `json:"id"`
		Text      string `json:"text"`
		ChannelID int64  `json:"channel_id"`
		Date      string `json:"date"`
	}
	payload := struct {
		Posts []postPayload `json:"posts"`
	}{Posts: make([]postPayload, 0, len(posts))}
	for _, p := range posts {
		payload.Posts = append(payload.Posts, postPayload{
			ID:        p.ID,
			Text:      p.Text,
			ChannelID: p.ChannelID,
			Date:      p.PublishedAt.UTC().Format(time.RFC3339),
		})
	}
	user, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode categorization payload: %w", err)
	}
	return sb.String(), string(user), nil
}

func (h Categorizer) MapResults(tenant *models.Tenant, posts []models.Post, completion *provider.Completion, logger *zap.Logger) []models.Artifact {
	byID := make(map[int64]models.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}
	catByName := make(map[string]models.Category)
	for _, c := range tenant.ActiveCategories() {
		catByName[strings.ToLower(c.Name)] = c
	}

	artifacts := make([]models.Artifact, 0, len(posts))
	handled := make(map[int64]bool, len(posts))
	for _, item := range completion.Categorizations {
		if _, known := byID[item.ID]; !known {
			logger.Warn("categorization result references unknown post",
				zap.Int64("post_id", item.ID),
				zap.Int64("tenant_id", tenant.ID))
			continue
		}

		result := models.Categorization{
			CategoryIDs: []int64{},
			Version:     h.Version,
		}
		if item.Summary != noCategorySummary {
			cat, found := catByName[strings.ToLower(item.Category)]
			if found {
				result.CategoryIDs = []int64{cat.ID}
				result.Relevance = map[int64]float64{cat.ID: 1.0}
				result.Summary = item.Summary
				result.Importance = item.Importance
				result.Urgency = item.Urgency
				result.Significance = item.Significance
			} else {
				// Data anomaly: keep the post flagged as done with an
				// empty category set so it is not re-submitted forever.
				logger.Warn("provider returned unknown category",
					zap.Int64("post_id", item.ID),
					zap.Int64("tenant_id", tenant.ID),
					zap.String("category", item.Category))
			}
		}
		artifacts = append(artifacts, models.Artifact{
			Role:           models.RoleCategorize,
			TenantID:       tenant.ID,
			PostID:         item.ID,
			Categorization: &result,
		})
		handled[item.ID] = true
	}
	// A batch post the provider never answered for still gets an empty
	// artifact so its flag flips and it is not resubmitted on every
	// future batch.
	for _, p := range posts {
		if handled[p.ID] {
			continue
		}
		logger.Warn("provider response missing post, storing empty categorization",
			zap.Int64("post_id", p.ID),
			zap.Int64("tenant_id", tenant.ID))
		artifacts = append(artifacts, models.Artifact{
			Role:           models.RoleCategorize,
			TenantID:       tenant.ID,
			PostID:         p.ID,
			Categorization: &models.Categorization{CategoryIDs: []int64{}, Version: h.Version},
		})
	}
	return artifacts
}

// Summarizer produces language-keyed natural-language summaries.
type Summarizer struct{}

func (Summarizer) Role() models.Role { return models.RoleSummarize }

func (Summarizer) Runnable(*models.Tenant) bool { return true }

func (Summarizer) BuildPrompt(tenant *models.Tenant, posts []models.Post) (string, string, error) {
	var sb strings.Builder
	sb.WriteString(tenant.SummarizationPrompt)
	sb.WriteString("\n\nTarget languages: ")
	sb.WriteString(strings.Join(tenant.SummaryLanguages(), ", "))

	type postPayload struct {
		ID   int64  `json:"id"`
		Text string `json:"text"`
		Date string `json:"date"`
	}
	payload := struct {
		Posts []postPayload `json:"posts"`
	}{Posts: make([]postPayload, 0, len(posts))}
	for _, p := range posts {
		payload.Posts = append(payload.Posts, postPayload{
			ID:   p.ID,
			Text: p.Text,
			Date: p.PublishedAt.UTC().Format(time.RFC3339),
		})
	}
	user, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode summarization payload: %w", err)
	}
	return sb.String(), string(user), nil
}

func (Summarizer) MapResults(tenant *models.Tenant, posts []models.Post, completion *provider.Completion, logger *zap.Logger) []models.Artifact {
	byID := make(map[int64]models.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}

	artifacts := make([]models.Artifact, 0, len(posts))
	handled := make(map[int64]bool, len(posts))
	for _, item := range completion.Summarizations {
		if _, known := byID[item.ID]; !known {
			logger.Warn("summarization result references unknown post",
				zap.Int64("post_id", item.ID),
				zap.Int64("tenant_id", tenant.ID))
			continue
		}
		summaries := map[string]string{"ru": item.SummaryRU}
		if item.SummaryEN != "" {
			summaries["en"] = item.SummaryEN
		}
		artifacts = append(artifacts, models.Artifact{
			Role:      models.RoleSummarize,
			TenantID:  tenant.ID,
			PostID:    item.ID,
			Summaries: summaries,
		})
		handled[item.ID] = true
	}
	for _, p := range posts {
		if handled[p.ID] {
			continue
		}
		logger.Warn("provider response missing post, storing empty summaries",
			zap.Int64("post_id", p.ID),
			zap.Int64("tenant_id", tenant.ID))
		artifacts = append(artifacts, models.Artifact{
			Role:      models.RoleSummarize,
			TenantID:  tenant.ID,
			PostID:    p.ID,
			Summaries: map[string]string{},
		})
	}
	return artifacts
}
