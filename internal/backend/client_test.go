package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/digest-ai/internal/models"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL, zap.NewNop())
}

func TestHasWork(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ai/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"flags_stats": map[string]int{"uncategorized": 3, "unsummarized": 0},
		})
	})

	has, err := c.HasWork(context.Background(), models.RoleCategorize)
	require.NoError(t, err)
	assert.True(t, has)

	has, err = c.HasWork(context.Background(), models.RoleSummarize)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestClaimRole(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/ai/lease", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "categorize", body["role"])
		assert.Equal(t, float64(120), body["ttl_s"])

		json.NewEncoder(w).Encode(map[string]string{"token": "lease-token-1"})
	})

	token, err := c.ClaimRole(context.Background(), models.RoleCategorize, 120*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "lease-token-1", token)
}

func TestClaimRole_Contention(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusConflict)
	})

	_, err := c.ClaimRole(context.Background(), models.RoleCategorize, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLeaseHeld)
	// 409 is routine contention, not worth retrying.
	assert.Equal(t, 1, calls)
}

func TestDoJSON_RetriesServerErrors(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"flags_stats": map[string]int{"uncategorized": 1, "unsummarized": 0},
		})
	})

	has, err := c.HasWork(context.Background(), models.RoleCategorize)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, 3, calls)
}

func TestDoJSON_ExhaustsRetries(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.HasWork(context.Background(), models.RoleCategorize)
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestListCandidates(t *testing.T) {
	collected := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/ai/candidates", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "summarize", q.Get("role"))
		assert.Equal(t, "42", q.Get("tenant"))
		assert.Equal(t, "30", q.Get("limit"))

		json.NewEncoder(w).Encode([]models.Post{
			{ID: 7, ChannelID: 2, Text: "hello", CollectedAt: collected, TenantID: 42},
		})
	})

	posts, err := c.ListCandidates(context.Background(), models.RoleSummarize, 42, 30)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, int64(7), posts[0].ID)
	assert.Equal(t, int64(42), posts[0].TenantID)
}

func TestListCandidates_AllTenants(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("tenant"))
		json.NewEncoder(w).Encode([]models.Post{})
	})

	_, err := c.ListCandidates(context.Background(), models.RoleSummarize, 0, 10)
	require.NoError(t, err)
}

func TestLoadTenantContext(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/public-bots/9", r.URL.Path)
		json.NewEncoder(w).Encode(models.Tenant{
			ID:     9,
			Name:   "digest-nine",
			Status: models.TenantActive,
			Categories: []models.Category{
				{ID: 1, Name: "News", Active: true},
			},
		})
	})

	tenant, err := c.LoadTenantContext(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, "digest-nine", tenant.Name)
	require.Len(t, tenant.Categories, 1)
}

func TestUpsertArtifact_BodyShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/ai/artifact", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "categorize", body["role"])
		assert.Equal(t, float64(9), body["tenant_id"])
		assert.Equal(t, float64(101), body["post_id"])
		assert.Equal(t, float64(120), body["tokens_used"])
		payload := body["payload"].(map[string]any)
		assert.Contains(t, payload, "categorization")

		w.WriteHeader(http.StatusOK)
	})

	err := c.UpsertArtifact(context.Background(), models.Artifact{
		Role:     models.RoleCategorize,
		TenantID: 9,
		PostID:   101,
		Categorization: &models.Categorization{
			CategoryIDs: []int64{2},
			Importance:  7,
		},
		TokensUsed:   120,
		ProcessingMS: 900,
	})
	require.NoError(t, err)
}

func TestUpsertArtifact_PermanentError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	err := c.UpsertArtifact(context.Background(), models.Artifact{
		Role:     models.RoleSummarize,
		TenantID: 1,
		PostID:   1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestSetFlag_BodyShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/ai/flag", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "summarize", body["role"])
		assert.Equal(t, float64(3), body["tenant_id"])
		assert.Equal(t, float64(77), body["post_id"])
		assert.Equal(t, true, body["value"])

		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.SetFlag(context.Background(), models.RoleSummarize, 3, 77))
}

func TestReleaseRole_IdempotentOnGone(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.ReleaseRole(context.Background(), models.RoleCategorize, "stale-token")
	assert.NoError(t, err)
}

func TestReleaseRole_BadRequestSurfaces(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	// Only lease-already-gone statuses are swallowed; a malformed
	// request is a real failure.
	err := c.ReleaseRole(context.Background(), models.RoleCategorize, "token")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)
}
