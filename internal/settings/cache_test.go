package settings

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/digest-ai/internal/backend"
	"github.com/xaenox/digest-ai/internal/models"
	"go.uber.org/zap"
)

// failingBackend fails ListSettings a configurable number of times.
type failingBackend struct {
	*backend.Memory
	failures int
	calls    int
}

func (f *failingBackend) ListSettings(ctx context.Context) ([]backend.Setting, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("settings endpoint unavailable")
	}
	return f.Memory.ListSettings(ctx)
}

func TestGetServiceConfig_FromSettings(t *testing.T) {
	mem := backend.NewMemory()
	mem.SetSettings([]backend.Setting{
		{Key: "ai_categorization_model", Value: "gpt-4o", ValueType: "string"},
		{Key: "ai_categorization_max_tokens", Value: "2000", ValueType: "int"},
		{Key: "ai_categorization_temperature", Value: "0.5", ValueType: "float"},
		{Key: "ai_summarization_top_p", Value: "0.9", ValueType: "float"},
	})
	cache := NewCache(mem, time.Minute, zap.NewNop())

	cfg := cache.GetServiceConfig(context.Background(), "categorization", nil)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, 2000, cfg.MaxTokens)
	assert.Equal(t, 0.5, cfg.Temperature)

	sumCfg := cache.GetServiceConfig(context.Background(), "summarization", nil)
	assert.Equal(t, 0.9, sumCfg.TopP)
}

func TestGetServiceConfig_InvalidValuesFallBack(t *testing.T) {
	mem := backend.NewMemory()
	mem.SetSettings([]backend.Setting{
		{Key: "ai_categorization_model", Value: "made-up-model"},
		{Key: "ai_categorization_max_tokens", Value: "50"},     // below range
		{Key: "ai_categorization_temperature", Value: "3.5"},   // above range
		{Key: "ai_summarization_top_p", Value: "not-a-number"}, // unparseable
	})
	cache := NewCache(mem, time.Minute, zap.NewNop())

	cfg := cache.GetServiceConfig(context.Background(), "categorization", nil)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, 1000, cfg.MaxTokens)
	assert.Equal(t, 0.3, cfg.Temperature)

	sumCfg := cache.GetServiceConfig(context.Background(), "summarization", nil)
	assert.Equal(t, 1.0, sumCfg.TopP)
}

func TestGetServiceConfig_TenantOverrides(t *testing.T) {
	mem := backend.NewMemory()
	mem.SetSettings([]backend.Setting{
		{Key: "ai_summarization_model", Value: "gpt-4o"},
	})
	cache := NewCache(mem, time.Minute, zap.NewNop())

	tenant := &models.Tenant{
		ID: 7,
		AIOverrides: map[string]string{
			"ai_summarization_model":       "gpt-4o-mini",
			"ai_summarization_temperature": "0.2",
		},
	}
	cfg := cache.GetServiceConfig(context.Background(), "summarization", tenant)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, 0.2, cfg.Temperature)

	// Overrides never leak into the shared snapshot.
	plain := cache.GetServiceConfig(context.Background(), "summarization", nil)
	assert.Equal(t, "gpt-4o", plain.Model)
}

func TestGetServiceConfig_FallbackWhenUpstreamDown(t *testing.T) {
	fb := &failingBackend{Memory: backend.NewMemory(), failures: 1000}
	cache := NewCache(fb, time.Minute, zap.NewNop())

	cfg := cache.GetServiceConfig(context.Background(), "summarization", nil)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, 2000, cfg.MaxTokens)
}

func TestCache_RetriesUpstreamAfterFailure(t *testing.T) {
	fb := &failingBackend{Memory: backend.NewMemory(), failures: 1}
	fb.SetSettings([]backend.Setting{
		{Key: "ai_categorization_model", Value: "gpt-4o"},
	})
	cache := NewCache(fb, time.Hour, zap.NewNop())

	// First read hits the failure and falls back.
	cfg := cache.GetServiceConfig(context.Background(), "categorization", nil)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)

	// The failed refresh must not advance the snapshot timestamp, so
	// the very next read retries upstream despite the long TTL.
	cfg = cache.GetServiceConfig(context.Background(), "categorization", nil)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, 2, fb.calls)
}

func TestRefreshNow_ForcesReload(t *testing.T) {
	mem := backend.NewMemory()
	mem.SetSettings([]backend.Setting{
		{Key: "ai_categorization_model", Value: "gpt-4o"},
	})
	cache := NewCache(mem, time.Hour, zap.NewNop())

	cfg := cache.GetServiceConfig(context.Background(), "categorization", nil)
	require.Equal(t, "gpt-4o", cfg.Model)

	mem.SetSettings([]backend.Setting{
		{Key: "ai_categorization_model", Value: "gpt-4o-mini"},
	})
	// Within TTL the old snapshot is still served.
	cfg = cache.GetServiceConfig(context.Background(), "categorization", nil)
	assert.Equal(t, "gpt-4o", cfg.Model)

	require.NoError(t, cache.RefreshNow(context.Background()))
	cfg = cache.GetServiceConfig(context.Background(), "categorization", nil)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
}
