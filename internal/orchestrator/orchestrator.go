package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/xaenox/digest-ai/internal/backend"
	"github.com/xaenox/digest-ai/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	restartBaseBackoff = time.Second
	restartMaxBackoff  = 60 * time.Second
	// A worker that ran this long without failing gets its restart
	// backoff reset.
	restartResetAfter = 5 * time.Minute
)

// Runnable is a supervisable role loop.
type Runnable interface {
	Run(ctx context.Context) error
	Role() models.Role
}

// Config carries orchestrator-level tunables.
type Config struct {
	// HeartbeatInterval paces the status log line; usually the worker
	// poll interval.
	HeartbeatInterval time.Duration
	// LeaseTTL is used to compute the stale-lease cutoff at boot.
	LeaseTTL time.Duration
	// StatusAddr, when non-empty, serves /healthz and /status there.
	StatusAddr string
}

// Orchestrator owns the process lifecycle: it launches both role
// workers, supervises them with backoff restarts, emits a heartbeat,
// and serves the status endpoint. It returns when ctx is cancelled.
type Orchestrator struct {
	workers []Runnable
	backend backend.Backend
	tracker *Tracker
	cfg     Config
	logger  *zap.Logger
}

func New(workers []Runnable, b backend.Backend, tracker *Tracker, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 120 * time.Second
	}
	return &Orchestrator{
		workers: workers,
		backend: b,
		tracker: tracker,
		cfg:     cfg,
		logger:  logger,
	}
}

// Status returns the current snapshot of both role loops.
func (o *Orchestrator) Status() Snapshot {
	return o.tracker.Snapshot()
}

// Run blocks until ctx is cancelled. An unreachable persistence
// service at boot is a startup error; after that, worker failures are
// contained and one worker crashing never affects the other.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.checkBackend(ctx); err != nil {
		return fmt.Errorf("persistence service unreachable: %w", err)
	}
	o.breakStaleLeases(ctx)

	g, ctx := errgroup.WithContext(ctx)
	for _, w := range o.workers {
		w := w
		g.Go(func() error {
			o.supervise(ctx, w)
			return nil
		})
	}
	g.Go(func() error {
		o.heartbeat(ctx)
		return nil
	})
	if o.cfg.StatusAddr != "" {
		g.Go(func() error {
			return o.serveStatus(ctx)
		})
	}
	return g.Wait()
}

// checkBackend verifies the persistence service answers before any
// worker starts. The client already retries network errors, so a
// failure here means the service is genuinely down.
func (o *Orchestrator) checkBackend(ctx context.Context) error {
	_, err := o.backend.HasWork(ctx, models.RoleCategorize)
	return err
}

// breakStaleLeases recovers role leases stranded by crashed replicas.
// Flag/artifact consistency repair is the persistence service's job;
// only lease hygiene happens here.
func (o *Orchestrator) breakStaleLeases(ctx context.Context) {
	cutoff := 2 * o.cfg.LeaseTTL
	for _, role := range []models.Role{models.RoleCategorize, models.RoleSummarize} {
		if err := o.backend.BreakStaleLease(ctx, role, cutoff); err != nil {
			o.logger.Warn("failed to break stale lease",
				zap.String("role", string(role)),
				zap.Error(err))
		}
	}
}

// supervise restarts a worker loop with exponential backoff. A stretch
// of uninterrupted running resets the backoff.
func (o *Orchestrator) supervise(ctx context.Context, w Runnable) {
	backoff := restartBaseBackoff
	for {
		started := time.Now()
		err := w.Run(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) >= restartResetAfter {
			backoff = restartBaseBackoff
		}
		o.tracker.workerRestarted(w.Role(), err)
		if err != nil {
			o.logger.Error("worker exited, restarting",
				zap.String("role", string(w.Role())),
				zap.Duration("backoff", backoff),
				zap.Error(err))
		} else {
			o.logger.Warn("worker returned unexpectedly, restarting",
				zap.String("role", string(w.Role())),
				zap.Duration("backoff", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > restartMaxBackoff {
			backoff = restartMaxBackoff
		}
	}
}

// heartbeat periodically logs the status snapshot so operators can see
// liveness without the HTTP endpoint.
func (o *Orchestrator) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := o.tracker.Snapshot()
			o.logger.Info("heartbeat",
				zap.Bool("categorization_running", snap.CategorizationRunning),
				zap.Bool("summarization_running", snap.SummarizationRunning),
				zap.Time("last_categorize_batch", snap.LastBatch[models.RoleCategorize]),
				zap.Time("last_summarize_batch", snap.LastBatch[models.RoleSummarize]))
		}
	}
}
