package backend

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/digest-ai/internal/models"
)

func seedMemory(t *testing.T) *Memory {
	t.Helper()
	mem := NewMemory()
	mem.AddTenant(&models.Tenant{
		ID:         1,
		Status:     models.TenantActive,
		ChannelIDs: []int64{10},
	})
	mem.AddPost(models.Post{
		ID:          101,
		ChannelID:   10,
		Text:        "post",
		CollectedAt: time.Now().UTC(),
	})
	return mem
}

func TestMemory_SetFlagRequiresArtifact(t *testing.T) {
	mem := seedMemory(t)

	err := mem.SetFlag(context.Background(), models.RoleCategorize, 1, 101)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.False(t, mem.Flag(models.RoleCategorize, 1, 101))

	require.NoError(t, mem.UpsertArtifact(context.Background(), models.Artifact{
		Role:           models.RoleCategorize,
		TenantID:       1,
		PostID:         101,
		Categorization: &models.Categorization{CategoryIDs: []int64{}},
	}))
	require.NoError(t, mem.SetFlag(context.Background(), models.RoleCategorize, 1, 101))
	assert.True(t, mem.Flag(models.RoleCategorize, 1, 101))
}

func TestMemory_UpsertFlipsFlagAtomically(t *testing.T) {
	mem := seedMemory(t)

	require.NoError(t, mem.UpsertArtifact(context.Background(), models.Artifact{
		Role:      models.RoleSummarize,
		TenantID:  1,
		PostID:    101,
		Summaries: map[string]string{"ru": "s"},
	}))
	assert.True(t, mem.Flag(models.RoleSummarize, 1, 101))
	// The sibling role is untouched.
	assert.False(t, mem.Flag(models.RoleCategorize, 1, 101))
}

func TestMemory_UpsertUnknownPostRejected(t *testing.T) {
	mem := seedMemory(t)

	err := mem.UpsertArtifact(context.Background(), models.Artifact{
		Role:     models.RoleSummarize,
		TenantID: 1,
		PostID:   999,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.False(t, mem.Flag(models.RoleSummarize, 1, 999))
}

func TestMemory_LeaseLifecycle(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	token, err := mem.ClaimRole(ctx, models.RoleCategorize, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = mem.ClaimRole(ctx, models.RoleCategorize, time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	// Wrong token does not release.
	require.NoError(t, mem.ReleaseRole(ctx, models.RoleCategorize, "other"))
	assert.True(t, mem.LeaseHeld(models.RoleCategorize))

	require.NoError(t, mem.ReleaseRole(ctx, models.RoleCategorize, token))
	assert.False(t, mem.LeaseHeld(models.RoleCategorize))
}

func TestMemory_CandidatesOldestFirst(t *testing.T) {
	mem := NewMemory()
	mem.AddTenant(&models.Tenant{ID: 1, ChannelIDs: []int64{10}})
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	mem.AddPost(models.Post{ID: 2, ChannelID: 10, CollectedAt: base.Add(time.Hour)})
	mem.AddPost(models.Post{ID: 1, ChannelID: 10, CollectedAt: base})

	posts, err := mem.ListCandidates(context.Background(), models.RoleSummarize, 1, 10)
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, int64(1), posts[0].ID)
	assert.Equal(t, int64(2), posts[1].ID)
}
