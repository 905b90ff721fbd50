package orchestrator

import (
	"sync"
	"time"

	"github.com/xaenox/digest-ai/internal/models"
)

// Snapshot is a point-in-time view of both role loops.
type Snapshot struct {
	CategorizationRunning bool                      `json:"categorization_running"`
	SummarizationRunning  bool                      `json:"summarization_running"`
	LastBatch             map[models.Role]time.Time `json:"last_batch_ts_per_role"`
	LastError             map[models.Role]string    `json:"last_error_per_role"`
	Restarts              map[models.Role]int       `json:"restarts_per_role"`
}

// Tracker collects worker lifecycle events into the status snapshot.
// It implements worker.StatusSink.
type Tracker struct {
	mu        sync.Mutex
	running   map[models.Role]bool
	lastBatch map[models.Role]time.Time
	lastError map[models.Role]string
	restarts  map[models.Role]int
}

func NewTracker() *Tracker {
	return &Tracker{
		running:   make(map[models.Role]bool),
		lastBatch: make(map[models.Role]time.Time),
		lastError: make(map[models.Role]string),
		restarts:  make(map[models.Role]int),
	}
}

func (t *Tracker) BatchStarted(role models.Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[role] = true
}

func (t *Tracker) BatchFinished(role models.Role, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[role] = false
	if err != nil {
		t.lastError[role] = err.Error()
		return
	}
	t.lastBatch[role] = time.Now()
	t.lastError[role] = ""
}

func (t *Tracker) workerRestarted(role models.Role, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[role] = false
	t.restarts[role]++
	if err != nil {
		t.lastError[role] = err.Error()
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		CategorizationRunning: t.running[models.RoleCategorize],
		SummarizationRunning:  t.running[models.RoleSummarize],
		LastBatch:             make(map[models.Role]time.Time, len(t.lastBatch)),
		LastError:             make(map[models.Role]string, len(t.lastError)),
		Restarts:              make(map[models.Role]int, len(t.restarts)),
	}
	for k, v := range t.lastBatch {
		snap.LastBatch[k] = v
	}
	for k, v := range t.lastError {
		snap.LastError[k] = v
	}
	for k, v := range t.restarts {
		snap.Restarts[k] = v
	}
	return snap
}
