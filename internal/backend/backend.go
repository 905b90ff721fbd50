package backend

import (
	"context"
	"errors"
	"time"

	"github.com/xaenox/digest-ai/internal/models"
)

// ErrLeaseHeld is returned by ClaimRole when another replica already
// holds the role lease. Routine contention, not a failure.
var ErrLeaseHeld = errors.New("role lease already held")

// ErrPermanent marks backend responses that will not succeed on retry
// (4xx other than lease contention).
var ErrPermanent = errors.New("permanent backend error")

// Setting is one row of the persistence service settings collection.
type Setting struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	ValueType string `json:"value_type"`
}

// Backend is the persistence surface the workers and the orchestrator
// coordinate through. All cross-replica state (flags, leases,
// artifacts) lives behind it.
type Backend interface {
	// HasWork is a cheap existence check for outstanding posts of a role.
	HasWork(ctx context.Context, role models.Role) (bool, error)

	// ClaimRole takes the advisory role lease; ErrLeaseHeld on contention.
	ClaimRole(ctx context.Context, role models.Role, ttl time.Duration) (string, error)

	// ReleaseRole drops the lease. Idempotent: releasing an unknown or
	// expired token succeeds.
	ReleaseRole(ctx context.Context, role models.Role, token string) error

	// BreakStaleLease force-releases a lease older than the given age,
	// regardless of token. Used at boot to recover from crashed replicas.
	BreakStaleLease(ctx context.Context, role models.Role, olderThan time.Duration) error

	// ListCandidates returns posts whose role flag is false, oldest
	// collected first. tenantID 0 lists across all tenants.
	ListCandidates(ctx context.Context, role models.Role, tenantID int64, limit int) ([]models.Post, error)

	// LoadTenantContext fetches the tenant record with taxonomy,
	// prompts, and AI overrides.
	LoadTenantContext(ctx context.Context, tenantID int64) (*models.Tenant, error)

	// ListSettings fetches the raw service-wide settings collection.
	ListSettings(ctx context.Context) ([]Setting, error)

	// UpsertArtifact stores an enrichment result and flips the matching
	// completion flag in one transaction. On error nothing is persisted.
	UpsertArtifact(ctx context.Context, artifact models.Artifact) error

	// SetFlag marks a (tenant, post) pair done for a role without
	// writing an artifact. The backend rejects the flip when no
	// artifact exists for the triple.
	SetFlag(ctx context.Context, role models.Role, tenantID, postID int64) error
}
