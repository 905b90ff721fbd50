package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/xaenox/digest-ai/internal/models"
	"github.com/xaenox/digest-ai/internal/settings"
	"go.uber.org/zap"
)

const (
	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 8 * time.Second
	defaultTimeout = 60 * time.Second
)

// Score bounds for importance, urgency, and significance.
const (
	scoreMin = 0
	scoreMax = 10
)

// GPTProvider wraps the chat-completion API with JSON-object response
// mode, per-attempt timeouts, and retry with jittered exponential
// backoff.
type GPTProvider struct {
	client  *openai.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewGPTProvider(apiKey string, timeout time.Duration, logger *zap.Logger) *GPTProvider {
	return newGPTProvider(openai.DefaultConfig(apiKey), timeout, logger)
}

// NewGPTProviderWithBaseURL points the client at an alternate endpoint.
// Tests use it to run the real request path against a local server.
func NewGPTProviderWithBaseURL(apiKey, baseURL string, timeout time.Duration, logger *zap.Logger) *GPTProvider {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return newGPTProvider(cfg, timeout, logger)
}

func newGPTProvider(cfg openai.ClientConfig, timeout time.Duration, logger *zap.Logger) *GPTProvider {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &GPTProvider{
		client:  openai.NewClientWithConfig(cfg),
		timeout: timeout,
		logger:  logger,
	}
}

// Complete sends one batch request and returns the parsed, validated
// results. Transient failures and schema-invalid responses are retried
// up to maxRetries; schema failures that survive the retry budget
// promote to ErrPermanent.
func (p *GPTProvider) Complete(ctx context.Context, role models.Role, system, user string, cfg settings.ServiceConfig) (*Completion, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		completion, err := p.completeOnce(ctx, role, system, user, cfg)
		if err == nil {
			return completion, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrOverBudget) {
			return nil, err
		}
		// Permanent API errors (auth, bad request) will not improve on
		// retry; schema-invalid responses get the full retry budget.
		if errors.Is(err, ErrPermanent) && !errors.Is(err, errSchema) {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("provider attempt failed",
			zap.String("role", string(role)),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

func (p *GPTProvider) completeOnce(ctx context.Context, role models.Role, system, user string, cfg settings.ServiceConfig) (*Completion, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   cfg.MaxTokens,
		Temperature: float32(cfg.Temperature),
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if role == models.RoleSummarize {
		req.TopP = float32(cfg.TopP)
	}

	resp, err := p.client.CreateChatCompletion(attemptCtx, req)
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty choices in provider response: %w", errSchema)
	}

	tokens := resp.Usage.TotalTokens
	if cfg.TokenBudget > 0 && tokens > cfg.TokenBudget {
		return nil, fmt.Errorf("call used %d tokens, budget %d: %w", tokens, cfg.TokenBudget, ErrOverBudget)
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	completion, err := parseContent(role, content)
	if err != nil {
		return nil, err
	}
	completion.TokensUsed = tokens
	return completion, nil
}

// errSchema marks schema-invalid responses. They are retried like
// transients (the model may produce valid output next attempt) but
// surface as permanent once the budget runs out.
var errSchema = fmt.Errorf("schema-invalid response: %w", ErrPermanent)

// parseContent enforces the single top-level shape {"results":[...]}
// and the per-role item schema. Unknown extra fields are dropped;
// missing required fields or non-integer scores are schema violations.
func parseContent(role models.Role, content string) (*Completion, error) {
	var envelope struct {
		Results []json.RawMessage `json:"results"`
	}
	if err := json.Unmarshal([]byte(content), &envelope); err != nil {
		return nil, fmt.Errorf("response is not a results object: %v: %w", err, errSchema)
	}
	if envelope.Results == nil {
		return nil, fmt.Errorf("response has no results array: %w", errSchema)
	}

	completion := &Completion{}
	for i, raw := range envelope.Results {
		switch role {
		case models.RoleCategorize:
			item, err := parseCategorization(raw)
			if err != nil {
				return nil, fmt.Errorf("result %d: %v: %w", i, err, errSchema)
			}
			completion.Categorizations = append(completion.Categorizations, item)
		case models.RoleSummarize:
			item, err := parseSummarization(raw)
			if err != nil {
				return nil, fmt.Errorf("result %d: %v: %w", i, err, errSchema)
			}
			completion.Summarizations = append(completion.Summarizations, item)
		default:
			return nil, fmt.Errorf("unknown role %q: %w", role, ErrPermanent)
		}
	}
	return completion, nil
}

func parseCategorization(raw json.RawMessage) (CategorizationItem, error) {
	// Pointers distinguish absent fields from zero values; a float or
	// string score fails the int unmarshal and aborts the batch.
	var probe struct {
		ID           *int64  `json:"id"`
		Summary      *string `json:"summary"`
		Category     *string `json:"category"`
		Importance   *int    `json:"importance"`
		Urgency      *int    `json:"urgency"`
		Significance *int    `json:"significance"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return CategorizationItem{}, fmt.Errorf("invalid categorization item: %v", err)
	}
	if probe.ID == nil || probe.Summary == nil || probe.Category == nil ||
		probe.Importance == nil || probe.Urgency == nil || probe.Significance == nil {
		return CategorizationItem{}, fmt.Errorf("categorization item missing required fields")
	}
	return CategorizationItem{
		ID:           *probe.ID,
		Summary:      *probe.Summary,
		Category:     *probe.Category,
		Importance:   clampScore(*probe.Importance),
		Urgency:      clampScore(*probe.Urgency),
		Significance: clampScore(*probe.Significance),
	}, nil
}

func parseSummarization(raw json.RawMessage) (SummarizationItem, error) {
	var probe struct {
		ID        *int64  `json:"id"`
		SummaryRU *string `json:"summary_ru"`
		SummaryEN string  `json:"summary_en"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return SummarizationItem{}, fmt.Errorf("invalid summarization item: %v", err)
	}
	if probe.ID == nil || probe.SummaryRU == nil {
		return SummarizationItem{}, fmt.Errorf("summarization item missing required fields")
	}
	return SummarizationItem{
		ID:        *probe.ID,
		SummaryRU: *probe.SummaryRU,
		SummaryEN: probe.SummaryEN,
	}, nil
}

func clampScore(v int) int {
	if v < scoreMin {
		return scoreMin
	}
	if v > scoreMax {
		return scoreMax
	}
	return v
}

// classifyError maps transport and API errors onto the taxonomy:
// 429 and 5xx are transient, other 4xx are permanent, anything else
// (network, timeout) is transient.
func classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("provider status %d: %v: %w", apiErr.HTTPStatusCode, err, ErrTransient)
		}
		return fmt.Errorf("provider status %d: %v: %w", apiErr.HTTPStatusCode, err, ErrPermanent)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("provider status %d: %v: %w", reqErr.HTTPStatusCode, err, ErrTransient)
		}
		return fmt.Errorf("provider status %d: %v: %w", reqErr.HTTPStatusCode, err, ErrPermanent)
	}
	return fmt.Errorf("provider call: %v: %w", err, ErrTransient)
}

func backoffDelay(attempt int) time.Duration {
	delay := retryBaseDelay << (attempt - 1)
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	// Full jitter keeps concurrent retriers from synchronizing.
	return time.Duration(rand.Int63n(int64(delay)) + int64(delay)/2)
}
