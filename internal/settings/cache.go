package settings

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xaenox/digest-ai/internal/backend"
	"github.com/xaenox/digest-ai/internal/models"
	"go.uber.org/zap"
)

const DefaultTTL = 300 * time.Second

// ServiceConfig is the per-service AI configuration handed to the
// provider adapter.
type ServiceConfig struct {
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
	// TokenBudget caps tokens spent per provider call; 0 means no cap.
	TokenBudget int
}

// Hard-coded safe defaults used whenever the settings collection is
// unreachable or a value fails validation.
var fallbacks = map[string]ServiceConfig{
	"categorization": {Model: "gpt-4o-mini", MaxTokens: 1000, Temperature: 0.3, TopP: 1.0},
	"summarization":  {Model: "gpt-4o", MaxTokens: 2000, Temperature: 0.7, TopP: 1.0},
}

var allowedModels = map[string]bool{
	"gpt-4o":        true,
	"gpt-4o-mini":   true,
	"gpt-4-turbo":   true,
	"gpt-4.1":       true,
	"gpt-4.1-mini":  true,
	"gpt-3.5-turbo": true,
}

type snapshot struct {
	values    map[string]string
	fetchedAt time.Time
}

// Cache holds the service-wide AI settings as an immutable snapshot
// swapped atomically. Readers never observe a torn state; a failed
// refresh keeps the previous snapshot and its timestamp, so the next
// reader retries upstream instead of waiting out the TTL.
type Cache struct {
	backend   backend.Backend
	ttl       time.Duration
	logger    *zap.Logger
	current   atomic.Pointer[snapshot]
	refreshMu sync.Mutex
}

func NewCache(b backend.Backend, ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		backend: b,
		ttl:     ttl,
		logger:  logger,
	}
}

// GetServiceConfig derives the configuration for a service, applying
// the tenant's AI overrides on top of the cached settings. Invalid or
// missing entries fall back to the hard-coded defaults per field.
func (c *Cache) GetServiceConfig(ctx context.Context, service string, tenant *models.Tenant) ServiceConfig {
	values := c.load(ctx)

	merged := make(map[string]string, len(values))
	for k, v := range values {
		merged[k] = v
	}
	if tenant != nil {
		// Tenant overrides use the same ai_<service>_<param> keys.
		for k, v := range tenant.AIOverrides {
			merged[k] = v
		}
	}
	return c.derive(service, merged)
}

// RefreshNow forces a reload of the settings collection regardless of
// snapshot age.
func (c *Cache) RefreshNow(ctx context.Context) error {
	return c.refresh(ctx, true)
}

func (c *Cache) load(ctx context.Context) map[string]string {
	snap := c.current.Load()
	if snap != nil && time.Since(snap.fetchedAt) < c.ttl {
		return snap.values
	}
	if err := c.refresh(ctx, false); err != nil {
		c.logger.Warn("settings refresh failed, using fallback", zap.Error(err))
	}
	if snap := c.current.Load(); snap != nil {
		return snap.values
	}
	return nil
}

func (c *Cache) refresh(ctx context.Context, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Another refresher may have won while we waited on the lock.
	if snap := c.current.Load(); !force && snap != nil && time.Since(snap.fetchedAt) < c.ttl {
		return nil
	}

	rows, err := c.backend.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("failed to list settings: %w", err)
	}

	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	c.current.Store(&snapshot{values: values, fetchedAt: time.Now()})
	return nil
}

func (c *Cache) derive(service string, values map[string]string) ServiceConfig {
	cfg := fallbacks[service]
	if cfg.Model == "" {
		cfg = ServiceConfig{Model: "gpt-4o-mini", MaxTokens: 1000, Temperature: 0.3, TopP: 1.0}
	}
	prefix := "ai_" + service + "_"

	if model, ok := values[prefix+"model"]; ok {
		if allowedModels[model] {
			cfg.Model = model
		} else {
			c.logger.Warn("unrecognized model in settings, using fallback",
				zap.String("service", service),
				zap.String("model", model))
		}
	}
	if raw, ok := values[prefix+"max_tokens"]; ok {
		if v, err := strconv.Atoi(raw); err == nil && v >= 100 && v <= 8000 {
			cfg.MaxTokens = v
		} else {
			c.logger.Warn("invalid max_tokens in settings, using fallback",
				zap.String("service", service),
				zap.String("value", raw))
		}
	}
	if raw, ok := values[prefix+"temperature"]; ok {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0.0 && v <= 2.0 {
			cfg.Temperature = v
		} else {
			c.logger.Warn("invalid temperature in settings, using fallback",
				zap.String("service", service),
				zap.String("value", raw))
		}
	}
	if service == "summarization" {
		if raw, ok := values[prefix+"top_p"]; ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 0.0 && v <= 1.0 {
				cfg.TopP = v
			} else {
				c.logger.Warn("invalid top_p in settings, using fallback",
					zap.String("service", service),
					zap.String("value", raw))
			}
		}
	}
	if raw, ok := values[prefix+"token_budget"]; ok {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			cfg.TokenBudget = v
		}
	}
	return cfg
}
