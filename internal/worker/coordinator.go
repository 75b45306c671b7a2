package worker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/tradecore/tradecore/internal/cache"
	"github.com/tradecore/tradecore/pkg/logger"
)

var (
	workersRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_workers_registered_total",
		Help: "Total number of successful worker registrations",
	})

	registrationsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_workers_denied_total",
		Help: "Total number of registrations denied because the kind was taken",
	})
)

// workerKVTTL is the shadow-copy TTL for mirrored worker records
const workerKVTTL = 5 * time.Minute

// State is a worker lifecycle state
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// Worker is one registered process/task owner. At most one worker per kind
// may be alive at any moment.
type Worker struct {
	ID            string              `json:"id"`
	Kind          string              `json:"kind"`
	ProcessID     int                 `json:"process_id"`
	StartedAt     time.Time           `json:"started_at"`
	LastHeartbeat time.Time           `json:"last_heartbeat"`
	State         State               `json:"state"`
	AssignedTasks map[string]struct{} `json:"-"`
	ActiveTasks   int                 `json:"active_tasks"`
	Metadata      json.RawMessage     `json:"metadata,omitempty"`
}

// HeartbeatUpdate carries the optional fields of a heartbeat. Zero values
// leave the corresponding worker fields unchanged.
type HeartbeatUpdate struct {
	Status      State
	ActiveTasks *int
	Tasks       []string
	Metadata    json.RawMessage
}

// Config holds worker coordinator configuration
type Config struct {
	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration
	// CheckProcess enables the pid-exists liveness probe
	CheckProcess bool
}

// Coordinator enforces singleton-per-kind workers and exclusive task
// ownership. One lock protects both maps; operations are short.
type Coordinator struct {
	cfg   Config
	store cache.Store
	log   *logger.Logger

	// pidExists is replaceable for tests
	pidExists func(pid int) bool

	mu      sync.Mutex
	workers map[string]*Worker // id
	tasks   map[string]string  // taskID -> workerID

	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

// NewCoordinator creates a worker coordinator. store may be nil.
func NewCoordinator(cfg Config, store cache.Store, log *logger.Logger) *Coordinator {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 2 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}

	return &Coordinator{
		cfg:       cfg,
		store:     store,
		log:       log,
		pidExists: defaultPidExists,
		workers:   make(map[string]*Worker),
		tasks:     make(map[string]string),
		stop:      make(chan struct{}),
	}
}

func defaultPidExists(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	if err != nil {
		// Indeterminate probes never kill a worker
		return true
	}
	return exists
}

// Register admits a new worker iff no worker of the same kind is alive.
// An empty id is generated; a caller-supplied id must be unique. Returns
// the id and whether registration succeeded.
func (c *Coordinator) Register(ctx context.Context, kind, id string, pid int, metadata json.RawMessage) (string, bool) {
	now := time.Now()

	c.mu.Lock()
	for _, w := range c.workers {
		if w.Kind == kind && c.aliveLocked(w, now) {
			c.mu.Unlock()
			registrationsDenied.Inc()
			return "", false
		}
	}

	if id == "" {
		id = uuid.New().String()
	} else if _, exists := c.workers[id]; exists {
		c.mu.Unlock()
		registrationsDenied.Inc()
		return "", false
	}

	w := &Worker{
		ID:            id,
		Kind:          kind,
		ProcessID:     pid,
		StartedAt:     now,
		LastHeartbeat: now,
		State:         StateStarting,
		AssignedTasks: make(map[string]struct{}),
		Metadata:      metadata,
	}
	c.workers[id] = w
	c.mu.Unlock()

	workersRegistered.Inc()
	c.log.Info("Worker registered", "worker_id", id, "kind", kind, "pid", pid)
	c.mirror(ctx, w)
	return id, true
}

// Heartbeat refreshes a worker's liveness and applies the optional updates
func (c *Coordinator) Heartbeat(ctx context.Context, id string, upd HeartbeatUpdate) bool {
	c.mu.Lock()
	w, ok := c.workers[id]
	if !ok {
		c.mu.Unlock()
		return false
	}

	w.LastHeartbeat = time.Now()
	if upd.Status != "" {
		w.State = upd.Status
	} else if w.State == StateStarting {
		w.State = StateRunning
	}
	if upd.ActiveTasks != nil {
		w.ActiveTasks = *upd.ActiveTasks
	}
	var rejected []string
	if upd.Tasks != nil {
		// Reported task set replaces the assignment view for this worker.
		// A task owned by another live worker stays with its owner.
		for taskID := range w.AssignedTasks {
			delete(c.tasks, taskID)
		}
		w.AssignedTasks = make(map[string]struct{}, len(upd.Tasks))
		for _, taskID := range upd.Tasks {
			if ownerID, taken := c.tasks[taskID]; taken && ownerID != id {
				owner, exists := c.workers[ownerID]
				if exists && c.aliveLocked(owner, w.LastHeartbeat) {
					rejected = append(rejected, taskID)
					continue
				}
				if exists {
					delete(owner.AssignedTasks, taskID)
				}
			}
			w.AssignedTasks[taskID] = struct{}{}
			c.tasks[taskID] = id
		}
	}
	if upd.Metadata != nil {
		w.Metadata = upd.Metadata
	}
	snapshot := *w
	c.mu.Unlock()

	for _, taskID := range rejected {
		c.log.Error("Rejected task claim owned by another worker",
			"task_id", taskID, "claimed_by", id)
	}
	c.mirror(ctx, &snapshot)
	return true
}

// Unregister releases all of a worker's tasks and removes it. Returns false
// for unknown ids.
func (c *Coordinator) Unregister(ctx context.Context, id string) bool {
	c.mu.Lock()
	w, ok := c.workers[id]
	if ok {
		c.removeLocked(w)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}

	c.log.Info("Worker unregistered", "worker_id", id, "kind", w.Kind)
	if c.store != nil {
		if err := c.store.Delete(ctx, "component:worker:"+id); err != nil {
			c.log.Debug("Worker KV delete failed", "worker_id", id, "error", err)
		}
	}
	return true
}

// removeLocked unlinks a worker and its tasks. Caller holds c.mu.
func (c *Coordinator) removeLocked(w *Worker) {
	for taskID := range w.AssignedTasks {
		delete(c.tasks, taskID)
	}
	delete(c.workers, w.ID)
}

// AssignTask gives a task to the least-loaded live worker of the given kind.
// Equally loaded workers tie-break lexicographically by id so repeated calls
// with identical state make identical choices. Returns the worker id and
// whether assignment succeeded.
func (c *Coordinator) AssignTask(taskID, kind string) (string, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if ownerID, taken := c.tasks[taskID]; taken {
		if owner, ok := c.workers[ownerID]; ok && c.aliveLocked(owner, now) {
			return "", false
		}
		// Owner is dead; release and reassign
		if owner, ok := c.workers[ownerID]; ok {
			delete(owner.AssignedTasks, taskID)
		}
		delete(c.tasks, taskID)
	}

	candidates := make([]*Worker, 0)
	for _, w := range c.workers {
		if w.Kind == kind && c.aliveLocked(w, now) {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i].AssignedTasks) != len(candidates[j].AssignedTasks) {
			return len(candidates[i].AssignedTasks) < len(candidates[j].AssignedTasks)
		}
		return candidates[i].ID < candidates[j].ID
	})

	chosen := candidates[0]
	chosen.AssignedTasks[taskID] = struct{}{}
	c.tasks[taskID] = chosen.ID
	return chosen.ID, true
}

// CompleteTask verifies ownership and releases the task. An ownership
// mismatch is an invariant violation: logged, never fatal.
func (c *Coordinator) CompleteTask(taskID, workerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ownerID, ok := c.tasks[taskID]
	if !ok || ownerID != workerID {
		c.log.Error("Task completion ownership mismatch",
			"task_id", taskID, "claimed_by", workerID, "owned_by", ownerID)
		return false
	}

	if owner, exists := c.workers[ownerID]; exists {
		delete(owner.AssignedTasks, taskID)
	}
	delete(c.tasks, taskID)
	return true
}

// aliveLocked is the liveness definition: fresh heartbeat in an active
// state, and the process still exists where discoverable. Caller holds c.mu.
func (c *Coordinator) aliveLocked(w *Worker, now time.Time) bool {
	if w.State != StateStarting && w.State != StateRunning {
		return false
	}
	if now.Sub(w.LastHeartbeat) >= c.cfg.HeartbeatTimeout {
		return false
	}
	if c.cfg.CheckProcess && w.ProcessID > 0 && !c.pidExists(w.ProcessID) {
		return false
	}
	return true
}

// GetWorkers returns copies of all registered workers
func (c *Coordinator) GetWorkers() []Worker {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Worker, 0, len(c.workers))
	for _, w := range c.workers {
		cp := *w
		cp.ActiveTasks = len(w.AssignedTasks)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the dead-worker cleanup loop
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.cleanupLoop(ctx)
}

// Stop cancels the cleanup loop and waits for it. Idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Warn("Worker coordinator already stopped")
		return
	}
	c.stopped = true
	c.mu.Unlock()

	close(c.stop)
	c.wg.Wait()
}

// cleanupLoop unregisters workers that fail the liveness check
func (c *Coordinator) cleanupLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

// cleanup removes dead workers; their tasks become eligible for reassignment
func (c *Coordinator) cleanup(ctx context.Context) {
	now := time.Now()

	c.mu.Lock()
	dead := make([]*Worker, 0)
	for _, w := range c.workers {
		if !c.aliveLocked(w, now) {
			dead = append(dead, w)
		}
	}
	for _, w := range dead {
		c.removeLocked(w)
	}
	c.mu.Unlock()

	for _, w := range dead {
		c.log.Warn("Removed dead worker", "worker_id", w.ID, "kind", w.Kind,
			"last_heartbeat", w.LastHeartbeat, "released_tasks", len(w.AssignedTasks))
		if c.store != nil {
			if err := c.store.Delete(ctx, "component:worker:"+w.ID); err != nil {
				c.log.Debug("Worker KV delete failed", "worker_id", w.ID, "error", err)
			}
		}
	}
}

// mirror shadows a worker record into the KV store, best-effort
func (c *Coordinator) mirror(ctx context.Context, w *Worker) {
	if c.store == nil {
		return
	}
	if err := c.store.SetJSON(ctx, "component:worker:"+w.ID, w, workerKVTTL); err != nil {
		c.log.Debug("Worker KV mirror failed", "worker_id", w.ID, "error", err)
	}
}
