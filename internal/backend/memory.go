package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/digest-ai/internal/models"
)

type flagKey struct {
	TenantID int64
	PostID   int64
}

type lease struct {
	token     string
	claimedAt time.Time
	expiresAt time.Time
}

// Memory is an in-process Backend used by tests and local development.
// It enforces the same invariant as the real persistence service:
// artifact upsert and flag flip happen together or not at all.
type Memory struct {
	mu        sync.RWMutex
	posts     map[int64]models.Post
	tenants   map[int64]*models.Tenant
	settings  []Setting
	leases    map[models.Role]*lease
	artifacts map[models.Role]map[flagKey]models.Artifact
	flags     map[models.Role]map[flagKey]bool
}

func NewMemory() *Memory {
	return &Memory{
		posts:   make(map[int64]models.Post),
		tenants: make(map[int64]*models.Tenant),
		leases:  make(map[models.Role]*lease),
		artifacts: map[models.Role]map[flagKey]models.Artifact{
			models.RoleCategorize: {},
			models.RoleSummarize:  {},
		},
		flags: map[models.Role]map[flagKey]bool{
			models.RoleCategorize: {},
			models.RoleSummarize:  {},
		},
	}
}

// AddPost registers a post and marks both roles outstanding for every
// tenant subscribed to the post's channel.
func (m *Memory) AddPost(post models.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.posts[post.ID] = post
	for _, t := range m.tenants {
		if !t.Subscribed(post.ChannelID) {
			continue
		}
		key := flagKey{TenantID: t.ID, PostID: post.ID}
		for role := range m.flags {
			if _, done := m.flags[role][key]; !done {
				m.flags[role][key] = false
			}
		}
	}
}

func (m *Memory) AddTenant(tenant *models.Tenant) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tenants[tenant.ID] = tenant
	for _, post := range m.posts {
		if !tenant.Subscribed(post.ChannelID) {
			continue
		}
		key := flagKey{TenantID: tenant.ID, PostID: post.ID}
		for role := range m.flags {
			if _, done := m.flags[role][key]; !done {
				m.flags[role][key] = false
			}
		}
	}
}

func (m *Memory) SetSettings(settings []Setting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
}

func (m *Memory) HasWork(_ context.Context, role models.Role) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, done := range m.flags[role] {
		if !done {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ClaimRole(_ context.Context, role models.Role, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if held, exists := m.leases[role]; exists && now.Before(held.expiresAt) {
		return "", ErrLeaseHeld
	}
	l := &lease{
		token:     uuid.New().String(),
		claimedAt: now,
		expiresAt: now.Add(ttl),
	}
	m.leases[role] = l
	return l.token, nil
}

func (m *Memory) ReleaseRole(_ context.Context, role models.Role, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, exists := m.leases[role]; exists && held.token == token {
		delete(m.leases, role)
	}
	return nil
}

func (m *Memory) BreakStaleLease(_ context.Context, role models.Role, olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, exists := m.leases[role]; exists && time.Since(held.claimedAt) > olderThan {
		delete(m.leases, role)
	}
	return nil
}

func (m *Memory) ListCandidates(_ context.Context, role models.Role, tenantID int64, limit int) ([]models.Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []models.Post
	for key, done := range m.flags[role] {
		if done {
			continue
		}
		if tenantID != 0 && key.TenantID != tenantID {
			continue
		}
		post, exists := m.posts[key.PostID]
		if !exists {
			continue
		}
		post.TenantID = key.TenantID
		candidates = append(candidates, post)
	}

	// Oldest collected first for fairness; stable order for tests.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CollectedAt.Equal(candidates[j].CollectedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CollectedAt.Before(candidates[j].CollectedAt)
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func (m *Memory) LoadTenantContext(_ context.Context, tenantID int64) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenant, exists := m.tenants[tenantID]
	if !exists {
		return nil, fmt.Errorf("tenant %d not found: %w", tenantID, ErrPermanent)
	}
	copied := *tenant
	return &copied, nil
}

func (m *Memory) ListSettings(_ context.Context) ([]Setting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Setting(nil), m.settings...), nil
}

func (m *Memory) UpsertArtifact(_ context.Context, artifact models.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := flagKey{TenantID: artifact.TenantID, PostID: artifact.PostID}
	if _, exists := m.posts[artifact.PostID]; !exists {
		return fmt.Errorf("post %d not found: %w", artifact.PostID, ErrPermanent)
	}
	m.artifacts[artifact.Role][key] = artifact
	m.flags[artifact.Role][key] = true
	return nil
}

func (m *Memory) SetFlag(_ context.Context, role models.Role, tenantID, postID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := flagKey{TenantID: tenantID, PostID: postID}
	if _, exists := m.artifacts[role][key]; !exists {
		return fmt.Errorf("no artifact for tenant %d post %d: %w", tenantID, postID, ErrPermanent)
	}
	m.flags[role][key] = true
	return nil
}

// Artifact returns the stored result for a (post, tenant, role) triple.
func (m *Memory) Artifact(role models.Role, tenantID, postID int64) (models.Artifact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.artifacts[role][flagKey{TenantID: tenantID, PostID: postID}]
	return a, exists
}

// Flag reports the completion flag for a (post, tenant, role) triple.
func (m *Memory) Flag(role models.Role, tenantID, postID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flags[role][flagKey{TenantID: tenantID, PostID: postID}]
}

// LeaseHeld reports whether a live lease exists for the role.
func (m *Memory) LeaseHeld(role models.Role) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	held, exists := m.leases[role]
	return exists && time.Now().Before(held.expiresAt)
}
