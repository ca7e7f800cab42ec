package services

import (
	"log"
	"sort"
	"sync"
	"time"

	"foreman/internal/database"
	"foreman/internal/models"
)

// Reasons attached to disconnect notifications.
const (
	ReasonReplaced         = "replaced by new connection"
	ReasonHeartbeatTimeout = "heartbeat timeout"
	ReasonConnectionClosed = "connection closed"
)

// RegisterListener is notified after a worker registration is installed.
type RegisterListener func(workerID string)

// DisconnectListener is notified after a worker binding is torn down.
type DisconnectListener func(workerID, reason string)

// StatusListener is notified on an actual ready/busy transition.
type StatusListener func(workerID string, status models.WorkerStatus)

// AvailabilityListener is notified when capacity may have been freed: a new
// registration, a worker turning ready, or a session being removed.
type AvailabilityListener func()

type workerEntry struct {
	worker   *models.Worker
	timer    *time.Timer
	timerGen uint64
}

// WorkerRegistry is the source of truth for connected workers, their hosted
// projects, liveness and load. All mutation happens under one mutex so the
// ready/busy invariant (busy ⇔ active sessions non-empty) cannot be torn by
// concurrent add/remove for the same worker.
type WorkerRegistry struct {
	mu               sync.RWMutex
	workers          map[string]*workerEntry
	byConn           map[string]string // connID -> workerID
	heartbeatTimeout time.Duration
	audit            *database.DB // optional, best-effort

	// Listeners are registered at wire-up time, before any connection is
	// accepted, and never mutated afterwards.
	onRegistered []RegisterListener
	onDisconnect []DisconnectListener
	onStatus     []StatusListener
	onAvailable  []AvailabilityListener
}

// NewWorkerRegistry creates a registry. The audit store may be nil.
func NewWorkerRegistry(heartbeatTimeout time.Duration, audit *database.DB) *WorkerRegistry {
	return &WorkerRegistry{
		workers:          make(map[string]*workerEntry),
		byConn:           make(map[string]string),
		heartbeatTimeout: heartbeatTimeout,
		audit:            audit,
	}
}

// OnRegistered registers a listener for new worker registrations.
func (r *WorkerRegistry) OnRegistered(fn RegisterListener) { r.onRegistered = append(r.onRegistered, fn) }

// OnDisconnected registers a listener for worker teardown.
func (r *WorkerRegistry) OnDisconnected(fn DisconnectListener) { r.onDisconnect = append(r.onDisconnect, fn) }

// OnStatusChanged registers a listener for ready/busy transitions.
func (r *WorkerRegistry) OnStatusChanged(fn StatusListener) { r.onStatus = append(r.onStatus, fn) }

// OnWorkerAvailable registers a listener fired whenever capacity may have freed up.
func (r *WorkerRegistry) OnWorkerAvailable(fn AvailabilityListener) { r.onAvailable = append(r.onAvailable, fn) }

// Register installs a worker binding for the given connection. If the worker
// id is already bound to a different connection, the old binding is torn down
// first (with a "replaced by new connection" disconnect) so a reconnecting
// worker never hits a rejection loop. Re-registering on the same connection
// refreshes the entry in place and emits no disconnect.
func (r *WorkerRegistry) Register(reg *models.RegisterPayload, connID string, writeChan chan models.ServerFrame) *models.Worker {
	now := time.Now()

	r.mu.Lock()
	if e, ok := r.workers[reg.WorkerID]; ok && e.worker.ConnID == connID {
		// Same socket re-announcing itself — refresh, don't cycle the binding
		e.worker.Projects = reg.Projects
		e.worker.DefaultProject = reg.DefaultProject
		e.worker.Hostname = reg.Hostname
		e.worker.LastHeartbeat = now
		r.armTimerLocked(reg.WorkerID, e)
		snapshot := e.worker.Clone()
		r.mu.Unlock()
		log.Printf("[REGISTRY] Re-registered worker %s on existing connection", reg.WorkerID)
		return snapshot
	}

	var replacedID string
	if e, ok := r.workers[reg.WorkerID]; ok {
		replacedID = reg.WorkerID
		r.teardownLocked(reg.WorkerID, e)
	}

	worker := &models.Worker{
		ID:             reg.WorkerID,
		Status:         models.WorkerStatusReady,
		Hostname:       reg.Hostname,
		Projects:       reg.Projects,
		DefaultProject: reg.DefaultProject,
		ActiveSessions: make(map[string]bool),
		ConnID:         connID,
		ConnectedAt:    now,
		LastHeartbeat:  now,
		WriteChan:      writeChan,
		StopChan:       make(chan struct{}),
	}
	entry := &workerEntry{worker: worker}
	r.workers[reg.WorkerID] = entry
	r.byConn[connID] = reg.WorkerID
	r.armTimerLocked(reg.WorkerID, entry)
	snapshot := worker.Clone()
	r.mu.Unlock()

	if replacedID != "" {
		log.Printf("[REGISTRY] Worker %s replaced its old connection", replacedID)
		r.notifyDisconnected(replacedID, ReasonReplaced)
	}

	log.Printf("[REGISTRY] Worker registered: %s (host=%s projects=%d)",
		reg.WorkerID, reg.Hostname, len(reg.Projects))

	if r.audit != nil {
		r.audit.RecordWorkerConnected(reg.WorkerID, reg.Hostname)
	}
	for _, fn := range r.onRegistered {
		fn(reg.WorkerID)
	}
	for _, fn := range r.onAvailable {
		fn()
	}
	return snapshot
}

// HandleHeartbeat refreshes a worker's liveness window and applies the
// reported status and session snapshot. Heartbeats from unknown workers are
// logged and ignored.
func (r *WorkerRegistry) HandleHeartbeat(hb *models.HeartbeatPayload) {
	r.mu.Lock()
	e, ok := r.workers[hb.WorkerID]
	if !ok {
		r.mu.Unlock()
		log.Printf("[REGISTRY] Heartbeat from unknown worker %s — ignoring", hb.WorkerID)
		return
	}

	e.worker.LastHeartbeat = time.Now()
	statusChanged := e.worker.Status != hb.Status
	e.worker.Status = hb.Status

	sessions := make(map[string]bool, len(hb.ActiveSessions))
	for _, id := range hb.ActiveSessions {
		sessions[id] = true
	}
	e.worker.ActiveSessions = sessions

	r.armTimerLocked(hb.WorkerID, e)
	r.mu.Unlock()

	if statusChanged {
		for _, fn := range r.onStatus {
			fn(hb.WorkerID, hb.Status)
		}
		if hb.Status == models.WorkerStatusReady {
			for _, fn := range r.onAvailable {
				fn()
			}
		}
	}
}

// Unregister tears down a worker binding by id.
func (r *WorkerRegistry) Unregister(workerID, reason string) {
	r.mu.Lock()
	e, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.teardownLocked(workerID, e)
	r.mu.Unlock()

	log.Printf("[REGISTRY] Worker unregistered: %s (%s)", workerID, reason)
	r.notifyDisconnected(workerID, reason)
}

// UnregisterByConn tears down whatever worker is bound to the given
// connection. Called unconditionally on socket close so cleanup does not
// depend on the worker having sent any particular frame.
func (r *WorkerRegistry) UnregisterByConn(connID, reason string) {
	r.mu.Lock()
	workerID, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	e := r.workers[workerID]
	r.teardownLocked(workerID, e)
	r.mu.Unlock()

	log.Printf("[REGISTRY] Worker unregistered: %s (%s)", workerID, reason)
	r.notifyDisconnected(workerID, reason)
}

// Get retrieves a snapshot of a worker by id. The live entry stays private to
// the registry; readers never race session churn on the returned copy.
func (r *WorkerRegistry) Get(workerID string) (*models.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[workerID]
	if !ok {
		return nil, false
	}
	return e.worker.Clone(), true
}

// List returns snapshots of all workers in stable (id) order.
func (r *WorkerRegistry) List() []*models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	workers := make([]*models.Worker, 0, len(r.workers))
	for _, id := range r.sortedIDsLocked() {
		workers = append(workers, r.workers[id].worker.Clone())
	}
	return workers
}

// Count returns the number of connected workers.
func (r *WorkerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// AddSession records a session on a worker and flips it to busy. Returns
// false if the worker is gone.
func (r *WorkerRegistry) AddSession(workerID, sessionID string) bool {
	r.mu.Lock()
	e, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	e.worker.ActiveSessions[sessionID] = true
	statusChanged := e.worker.Status != models.WorkerStatusBusy
	e.worker.Status = models.WorkerStatusBusy
	r.mu.Unlock()

	if statusChanged {
		for _, fn := range r.onStatus {
			fn(workerID, models.WorkerStatusBusy)
		}
	}
	return true
}

// RemoveSession drops a session from a worker, flipping it back to ready when
// its session set empties.
func (r *WorkerRegistry) RemoveSession(workerID, sessionID string) {
	r.mu.Lock()
	e, ok := r.workers[workerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(e.worker.ActiveSessions, sessionID)
	statusChanged := false
	if len(e.worker.ActiveSessions) == 0 && e.worker.Status != models.WorkerStatusReady {
		e.worker.Status = models.WorkerStatusReady
		statusChanged = true
	}
	r.mu.Unlock()

	if statusChanged {
		for _, fn := range r.onStatus {
			fn(workerID, models.WorkerStatusReady)
		}
		for _, fn := range r.onAvailable {
			fn()
		}
	}
}

// PickLeastLoaded returns the ready worker with the fewest active sessions,
// ties broken by id order for determinism.
func (r *WorkerRegistry) PickLeastLoaded() (*models.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *models.Worker
	for _, id := range r.sortedIDsLocked() {
		w := r.workers[id].worker
		if w.Status != models.WorkerStatusReady {
			continue
		}
		if best == nil || len(w.ActiveSessions) < len(best.ActiveSessions) {
			best = w
		}
	}
	return best, best != nil
}

// PickForProject returns the least-loaded ready worker hosting a project
// matching the query, along with the resolved project.
func (r *WorkerRegistry) PickForProject(query string) (*models.Worker, models.Project, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *models.Worker
	var bestProject models.Project
	for _, id := range r.sortedIDsLocked() {
		w := r.workers[id].worker
		if w.Status != models.WorkerStatusReady {
			continue
		}
		project, ok := w.FindProject(query)
		if !ok {
			continue
		}
		if best == nil || len(w.ActiveSessions) < len(best.ActiveSessions) {
			best = w
			bestProject = project
		}
	}
	if best == nil {
		return nil, models.Project{}, false
	}
	return best, bestProject, true
}

// armTimerLocked resets the liveness timer for a worker. The generation
// counter guarantees a timer that fires concurrently with its own reset is a
// no-op: the callback re-checks the generation under the lock.
func (r *WorkerRegistry) armTimerLocked(workerID string, e *workerEntry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(r.heartbeatTimeout, func() {
		r.livenessExpired(workerID, gen)
	})
}

func (r *WorkerRegistry) livenessExpired(workerID string, gen uint64) {
	r.mu.Lock()
	e, ok := r.workers[workerID]
	if !ok || e.timerGen != gen {
		r.mu.Unlock()
		return
	}
	log.Printf("[REGISTRY] Worker %s missed heartbeat window (%v) — unregistering",
		workerID, r.heartbeatTimeout)
	r.teardownLocked(workerID, e)
	r.mu.Unlock()

	r.notifyDisconnected(workerID, ReasonHeartbeatTimeout)
}

// teardownLocked removes all traces of a worker binding. Must be called with
// the registry lock held; notifications happen after unlock.
func (r *WorkerRegistry) teardownLocked(workerID string, e *workerEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
	delete(r.byConn, e.worker.ConnID)
	delete(r.workers, workerID)
	close(e.worker.StopChan)
}

func (r *WorkerRegistry) notifyDisconnected(workerID, reason string) {
	if r.audit != nil {
		r.audit.RecordWorkerDisconnected(workerID, reason)
	}
	for _, fn := range r.onDisconnect {
		fn(workerID, reason)
	}
}

func (r *WorkerRegistry) sortedIDsLocked() []string {
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
