package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/xaenox/digest-ai/internal/models"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	networkRetries        = 2
	retryDelay            = 500 * time.Millisecond
)

// Client talks HTTP+JSON to the persistence service. Any 5xx or network
// failure is transient and retried; 4xx other than 409 is permanent.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultRequestTimeout},
		logger:  logger,
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.code, e.body)
}

func (e *statusError) Unwrap() error {
	if e.code == http.StatusConflict {
		return ErrLeaseHeld
	}
	if e.code >= 400 && e.code < 500 {
		return ErrPermanent
	}
	return nil
}

// doJSON performs one logical request with automatic retries on network
// errors and 5xx responses. The request body is re-serialized per
// attempt so retries are safe.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var lastErr error
	for attempt := 0; attempt <= networkRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}

		lastErr = c.doOnce(ctx, method, path, body, out)
		if lastErr == nil {
			return nil
		}
		var se *statusError
		if errors.As(lastErr, &se) && se.code < 500 {
			// 4xx is not retryable.
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("backend request failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return fmt.Errorf("backend request failed after %d attempts: %w", networkRetries+1, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return &statusError{code: resp.StatusCode, body: truncate(buf.String(), 200)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) HasWork(ctx context.Context, role models.Role) (bool, error) {
	var payload struct {
		FlagsStats models.FlagsStats `json:"flags_stats"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/ai/status", nil, &payload); err != nil {
		return false, err
	}
	return payload.FlagsStats.Outstanding(role), nil
}

func (c *Client) ClaimRole(ctx context.Context, role models.Role, ttl time.Duration) (string, error) {
	body := map[string]any{
		"role":  role,
		"ttl_s": int(ttl.Seconds()),
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/ai/lease", body, &payload); err != nil {
		return "", err
	}
	return payload.Token, nil
}

// isLeaseGone matches a release or break against a lease that no
// longer exists. Other 4xx (malformed body, auth) stay errors.
func isLeaseGone(err error) bool {
	var se *statusError
	return errors.As(err, &se) &&
		(se.code == http.StatusNotFound || se.code == http.StatusGone)
}

func (c *Client) ReleaseRole(ctx context.Context, role models.Role, token string) error {
	body := map[string]any{
		"role":  role,
		"token": token,
	}
	err := c.doJSON(ctx, http.MethodDelete, "/api/ai/lease", body, nil)
	// Releasing a lease that is already gone is fine.
	if err != nil && isLeaseGone(err) {
		return nil
	}
	return err
}

func (c *Client) BreakStaleLease(ctx context.Context, role models.Role, olderThan time.Duration) error {
	body := map[string]any{
		"role":          role,
		"stale_after_s": int(olderThan.Seconds()),
	}
	err := c.doJSON(ctx, http.MethodDelete, "/api/ai/lease", body, nil)
	if err != nil && isLeaseGone(err) {
		return nil
	}
	return err
}

func (c *Client) ListCandidates(ctx context.Context, role models.Role, tenantID int64, limit int) ([]models.Post, error) {
	path := fmt.Sprintf("/api/ai/candidates?role=%s&limit=%d", role, limit)
	if tenantID != 0 {
		path += fmt.Sprintf("&tenant=%d", tenantID)
	}
	var posts []models.Post
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func (c *Client) LoadTenantContext(ctx context.Context, tenantID int64) (*models.Tenant, error) {
	var tenant models.Tenant
	path := fmt.Sprintf("/api/public-bots/%d", tenantID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &tenant); err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (c *Client) ListSettings(ctx context.Context) ([]Setting, error) {
	var settings []Setting
	if err := c.doJSON(ctx, http.MethodGet, "/api/settings", nil, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func (c *Client) UpsertArtifact(ctx context.Context, artifact models.Artifact) error {
	type payload struct {
		Categorization *models.Categorization `json:"categorization,omitempty"`
		Summaries      map[string]string      `json:"summaries,omitempty"`
	}
	body := map[string]any{
		"role":      artifact.Role,
		"tenant_id": artifact.TenantID,
		"post_id":   artifact.PostID,
		"payload": payload{
			Categorization: artifact.Categorization,
			Summaries:      artifact.Summaries,
		},
		"tokens_used":        artifact.TokensUsed,
		"processing_time_ms": artifact.ProcessingMS,
	}
	return c.doJSON(ctx, http.MethodPost, "/api/ai/artifact", body, nil)
}

func (c *Client) SetFlag(ctx context.Context, role models.Role, tenantID, postID int64) error {
	body := map[string]any{
		"role":      role,
		"tenant_id": tenantID,
		"post_id":   postID,
		"value":     true,
	}
	return c.doJSON(ctx, http.MethodPost, "/api/ai/flag", body, nil)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
