package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/digest-ai/internal/backend"
	"github.com/xaenox/digest-ai/internal/models"
	"github.com/xaenox/digest-ai/internal/provider"
	"github.com/xaenox/digest-ai/internal/settings"
	"go.uber.org/zap"
)

// Config carries the tunables of a single worker loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	LeaseTTL     time.Duration
	// BatchBudget bounds the total provider time for one batch.
	BatchBudget time.Duration
	// DiscoveryLimit bounds the cross-tenant candidate listing used to
	// learn which tenants have outstanding work.
	DiscoveryLimit int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 30
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 120 * time.Second
	}
	if c.BatchBudget <= 0 {
		c.BatchBudget = 180 * time.Second
	}
	if c.DiscoveryLimit <= 0 {
		c.DiscoveryLimit = 200
	}
}

// StatusSink receives batch lifecycle notifications. The orchestrator
// feeds them into its status snapshot; a nil sink is valid.
type StatusSink interface {
	BatchStarted(role models.Role)
	BatchFinished(role models.Role, err error)
}

// Worker drives one enrichment role: claim the role lease, drain one
// single-tenant batch, call the provider, persist artifacts, release.
// Both concrete roles run this same loop with their own Handler.
type Worker struct {
	handler   Handler
	backend   backend.Backend
	completer provider.Completer
	settings  *settings.Cache
	cfg       Config
	logger    *zap.Logger
	sink      StatusSink

	// serveOrder drives least-recently-served tenant rotation. The
	// worker is single-goroutine, so no locking.
	serveSeq   int64
	serveOrder map[int64]int64
}

func New(handler Handler, b backend.Backend, completer provider.Completer, cache *settings.Cache, cfg Config, logger *zap.Logger, sink StatusSink) *Worker {
	cfg.applyDefaults()
	return &Worker{
		handler:    handler,
		backend:    b,
		completer:  completer,
		settings:   cache,
		cfg:        cfg,
		logger:     logger.With(zap.String("role", string(handler.Role()))),
		sink:       sink,
		serveOrder: make(map[int64]int64),
	}
}

func (w *Worker) Role() models.Role { return w.handler.Role() }

// Run loops until ctx is cancelled. Upstream failures are absorbed
// here with backoff sleeps; Run returns nil on orderly shutdown.
func (w *Worker) Run(ctx context.Context) error {
	for {
		worked, err := w.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err != nil:
			if !sleepCtx(ctx, jitter(w.cfg.PollInterval)) {
				return nil
			}
		case worked:
			// More work may remain; go straight to the next batch.
		default:
			if !sleepCtx(ctx, w.cfg.PollInterval) {
				return nil
			}
		}
	}
}

// runOnce performs one pass of the state machine. It returns worked=true
// when a batch was attempted against a tenant, meaning the loop should
// re-check for work without sleeping.
func (w *Worker) runOnce(ctx context.Context) (bool, error) {
	has, err := w.backend.HasWork(ctx, w.Role())
	if err != nil {
		w.logger.Warn("work check failed", zap.Error(err))
		return false, err
	}
	if !has {
		return false, nil
	}

	token, err := w.backend.ClaimRole(ctx, w.Role(), w.cfg.LeaseTTL)
	if errors.Is(err, backend.ErrLeaseHeld) {
		// Routine contention with another replica.
		w.logger.Debug("role lease held elsewhere")
		return false, nil
	}
	if err != nil {
		w.logger.Warn("lease claim failed", zap.Error(err))
		return false, err
	}
	defer w.releaseLease(token)

	return w.processBatch(ctx)
}

// releaseLease always runs, including on cancellation, so a crashless
// shutdown never strands the role lease until its TTL.
func (w *Worker) releaseLease(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.backend.ReleaseRole(ctx, w.Role(), token); err != nil {
		w.logger.Error("failed to release role lease", zap.Error(err))
	}
}

func (w *Worker) processBatch(ctx context.Context) (bool, error) {
	limit := w.cfg.DiscoveryLimit
	skipped := make(map[int64]bool)
	for {
		discovered, err := w.backend.ListCandidates(ctx, w.Role(), 0, limit)
		if err != nil {
			w.logger.Warn("candidate discovery failed", zap.Error(err))
			return false, err
		}
		windowFull := len(discovered) >= limit

		var window []models.Post
		for _, p := range discovered {
			if !skipped[p.TenantID] {
				window = append(window, p)
			}
		}

		for len(window) > 0 {
			tenantID := w.pickTenant(window)
			tenant, err := w.backend.LoadTenantContext(ctx, tenantID)
			if err != nil {
				w.logger.Warn("tenant context load failed",
					zap.Int64("tenant_id", tenantID),
					zap.Error(err))
				return false, err
			}
			w.markServed(tenantID)

			if !w.handler.Runnable(tenant) {
				w.logger.Info("tenant not runnable for role, skipping",
					zap.Int64("tenant_id", tenantID))
				skipped[tenantID] = true
				window = dropTenant(window, tenantID)
				continue
			}

			posts := make([]models.Post, 0, w.cfg.BatchSize)
			for _, p := range window {
				if p.TenantID == tenantID {
					posts = append(posts, p)
					if len(posts) == w.cfg.BatchSize {
						break
					}
				}
			}

			// Shutdown requested before CALLING aborts the batch; nothing
			// has been written yet.
			if ctx.Err() != nil {
				return false, nil
			}

			batchID := uuid.New().String()
			start := time.Now()
			if w.sink != nil {
				w.sink.BatchStarted(w.Role())
			}
			err = w.runBatch(ctx, batchID, tenant, posts, start)
			if w.sink != nil {
				w.sink.BatchFinished(w.Role(), err)
			}
			if err != nil {
				return false, err
			}
			return true, nil
		}

		if !windowFull {
			// The listing was not truncated: every candidate tenant was
			// skipped, so nothing runnable remains for this pass.
			return false, nil
		}
		// A skipped tenant's backlog filled the whole window, hiding any
		// tenants behind it. Widen the window until they become visible
		// or the listing is exhausted.
		limit *= 2
	}
}

func dropTenant(posts []models.Post, tenantID int64) []models.Post {
	kept := posts[:0]
	for _, p := range posts {
		if p.TenantID != tenantID {
			kept = append(kept, p)
		}
	}
	return kept
}

func (w *Worker) runBatch(ctx context.Context, batchID string, tenant *models.Tenant, posts []models.Post, start time.Time) error {
	cfg := w.settings.GetServiceConfig(ctx, w.Role().Service(), tenant)
	system, user, err := w.handler.BuildPrompt(tenant, posts)
	if err != nil {
		return fmt.Errorf("failed to build prompt: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.BatchBudget)
	defer cancel()
	completion, err := w.completer.Complete(callCtx, w.Role(), system, user, cfg)
	if err != nil {
		outcome := "transient_failure"
		if errors.Is(err, provider.ErrPermanent) || errors.Is(err, provider.ErrOverBudget) {
			outcome = "permanent_failure"
		}
		w.logger.Error("provider call failed",
			zap.Int64("tenant_id", tenant.ID),
			zap.String("batch_id", batchID),
			zap.Int("posts_in_batch", len(posts)),
			zap.String("outcome", outcome),
			zap.Error(err))
		return err
	}

	artifacts := w.handler.MapResults(tenant, posts, completion, w.logger)
	// Tokens are spent per call; amortize across the stored artifacts.
	perArtifactTokens := 0
	if len(artifacts) > 0 {
		perArtifactTokens = completion.TokensUsed / len(artifacts)
	}
	wallMS := time.Since(start).Milliseconds()

	stored := 0
	var persistErr error
	for _, artifact := range artifacts {
		artifact.TokensUsed = perArtifactTokens
		artifact.ProcessingMS = wallMS
		// Each upsert is an atomic unit on the backend. Per-post
		// failures are surfaced but do not block the rest of the batch.
		if err := w.backend.UpsertArtifact(ctx, artifact); err != nil {
			w.logger.Error("failed to persist artifact",
				zap.Int64("tenant_id", artifact.TenantID),
				zap.Int64("post_id", artifact.PostID),
				zap.String("batch_id", batchID),
				zap.Error(err))
			persistErr = err
			continue
		}
		stored++
		// Honor shutdown between atomic units.
		if ctx.Err() != nil {
			break
		}
	}

	outcome := "ok"
	if persistErr != nil {
		outcome = "partial"
	}
	w.logger.Info("batch complete",
		zap.Int64("tenant_id", tenant.ID),
		zap.String("batch_id", batchID),
		zap.Int("posts_in_batch", len(posts)),
		zap.Int("artifacts_stored", stored),
		zap.Int("tokens_used", completion.TokensUsed),
		zap.Int64("wall_ms", wallMS),
		zap.String("outcome", outcome))

	if stored == 0 && persistErr != nil {
		return fmt.Errorf("no artifacts persisted: %w", persistErr)
	}
	return nil
}

// pickTenant chooses the least-recently-served tenant among those with
// outstanding work; ties break toward the lower tenant id.
func (w *Worker) pickTenant(candidates []models.Post) int64 {
	seen := make(map[int64]bool)
	var best int64
	for _, p := range candidates {
		id := p.TenantID
		if seen[id] {
			continue
		}
		seen[id] = true
		if best == 0 || w.servedBefore(id, best) {
			best = id
		}
	}
	return best
}

func (w *Worker) servedBefore(a, b int64) bool {
	sa, sb := w.serveOrder[a], w.serveOrder[b]
	if sa != sb {
		return sa < sb
	}
	return a < b
}

func (w *Worker) markServed(tenantID int64) {
	w.serveSeq++
	w.serveOrder[tenantID] = w.serveSeq
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// jitter spreads retry sleeps across replicas contending for a lease.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}
