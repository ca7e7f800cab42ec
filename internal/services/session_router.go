package services

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"foreman/internal/models"
)

// Typed placement failures. Callers branch on these to pick user-facing
// language; they are ordinary return values, never panics.
var (
	ErrNoWorkers       = errors.New("no workers available")
	ErrSessionNotFound = errors.New("session not found")
)

// QueueCallbacks resolve a queued placement request: exactly one of the two
// is eventually invoked.
type QueueCallbacks struct {
	OnAssigned func(*models.Assignment)
	OnTimeout  func(sessionID string)
}

type queueEntry struct {
	sessionID    string
	projectQuery string
	enqueuedAt   time.Time
	timer        *time.Timer
	cbs          QueueCallbacks
}

// QueuedSession is a read-only view of a pending queue entry.
type QueuedSession struct {
	SessionID    string    `json:"session_id"`
	ProjectQuery string    `json:"project_query,omitempty"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Position     int       `json:"position"`
}

// AssignListener is notified when a session is bound to a worker.
type AssignListener func(*models.Assignment)

// QueueListener is notified when a session is queued, with 1-indexed position.
type QueueListener func(sessionID string, position int)

// UnassignListener is notified when a session-worker binding is removed.
type UnassignListener func(sessionID, workerID, reason string)

// QueueTimeoutListener is notified when a queued request expires unplaced.
type QueueTimeoutListener func(sessionID string)

// PromoteListener is notified when a queued request is placed, with how long
// it waited.
type PromoteListener func(sessionID string, waited time.Duration)

// SessionRouter owns session-to-worker assignments and the bounded-wait
// pending queue. It subscribes to the registry to drain the queue when
// capacity frees up and to cascade-unassign sessions of disconnected workers.
type SessionRouter struct {
	mu          sync.Mutex
	registry    *WorkerRegistry
	assignments map[string]*models.Assignment
	queue       []*queueEntry
	queueWait   time.Duration

	onAssigned     []AssignListener
	onQueued       []QueueListener
	onUnassigned   []UnassignListener
	onQueueTimeout []QueueTimeoutListener
	onPromoted     []PromoteListener
}

// NewSessionRouter creates a router bound to a registry and wires the
// registry subscriptions (availability drain, disconnect cascade).
func NewSessionRouter(registry *WorkerRegistry, queueWait time.Duration) *SessionRouter {
	r := &SessionRouter{
		registry:    registry,
		assignments: make(map[string]*models.Assignment),
		queueWait:   queueWait,
	}
	registry.OnWorkerAvailable(r.drainQueue)
	registry.OnDisconnected(r.cascadeDisconnect)
	return r
}

// OnAssigned registers a listener for new assignments.
func (r *SessionRouter) OnAssigned(fn AssignListener) { r.onAssigned = append(r.onAssigned, fn) }

// OnQueued registers a listener for queue admissions.
func (r *SessionRouter) OnQueued(fn QueueListener) { r.onQueued = append(r.onQueued, fn) }

// OnUnassigned registers a listener for assignment removal.
func (r *SessionRouter) OnUnassigned(fn UnassignListener) { r.onUnassigned = append(r.onUnassigned, fn) }

// OnQueueTimeout registers a listener for expired queue waits.
func (r *SessionRouter) OnQueueTimeout(fn QueueTimeoutListener) {
	r.onQueueTimeout = append(r.onQueueTimeout, fn)
}

// OnPromoted registers a listener for queue promotions.
func (r *SessionRouter) OnPromoted(fn PromoteListener) {
	r.onPromoted = append(r.onPromoted, fn)
}

// AssignSession binds a session to a worker. Idempotent: an already-assigned
// session returns its existing assignment without touching worker load.
//
// With no worker available and callbacks supplied, the request is queued for
// up to the configured wait and (nil, position, nil) is returned; exactly one
// of the callbacks fires later. Without callbacks, ErrNoWorkers is returned.
func (r *SessionRouter) AssignSession(sessionID, projectQuery string, cbs *QueueCallbacks) (*models.Assignment, int, error) {
	r.mu.Lock()
	if a, ok := r.assignments[sessionID]; ok {
		r.mu.Unlock()
		return a, 0, nil
	}
	r.mu.Unlock()

	worker, project, ok := r.pick(projectQuery)
	if ok {
		a := &models.Assignment{
			SessionID:   sessionID,
			WorkerID:    worker.ID,
			ProjectID:   project.ID,
			ProjectPath: project.Path,
			AssignedAt:  time.Now(),
		}

		r.mu.Lock()
		if existing, dup := r.assignments[sessionID]; dup {
			r.mu.Unlock()
			return existing, 0, nil
		}
		r.assignments[sessionID] = a
		r.mu.Unlock()

		r.registry.AddSession(worker.ID, sessionID)
		log.Printf("[ROUTER] Session %s assigned to worker %s (project=%q)",
			sessionID, worker.ID, project.ID)
		for _, fn := range r.onAssigned {
			fn(a)
		}
		return a, 0, nil
	}

	if cbs == nil {
		log.Printf("[ROUTER] No workers available for session %s", sessionID)
		return nil, 0, ErrNoWorkers
	}

	entry := &queueEntry{
		sessionID:    sessionID,
		projectQuery: projectQuery,
		enqueuedAt:   time.Now(),
		cbs:          *cbs,
	}
	r.mu.Lock()
	r.queue = append(r.queue, entry)
	position := len(r.queue)
	entry.timer = time.AfterFunc(r.queueWait, func() {
		r.queueExpired(entry)
	})
	r.mu.Unlock()

	log.Printf("[ROUTER] Session %s queued at position %d", sessionID, position)
	for _, fn := range r.onQueued {
		fn(sessionID, position)
	}
	return nil, position, nil
}

// UnassignSession removes a session's worker binding and tries to promote a
// queued request onto the freed capacity.
func (r *SessionRouter) UnassignSession(sessionID, reason string) error {
	r.mu.Lock()
	a, ok := r.assignments[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.assignments, sessionID)
	r.mu.Unlock()

	r.registry.RemoveSession(a.WorkerID, sessionID)
	log.Printf("[ROUTER] Session %s unassigned from worker %s (%s)", sessionID, a.WorkerID, reason)
	for _, fn := range r.onUnassigned {
		fn(sessionID, a.WorkerID, reason)
	}
	r.drainQueue()
	return nil
}

// RemoveFromQueue drops a queued request without firing either callback.
func (r *SessionRouter) RemoveFromQueue(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, entry := range r.queue {
		if entry.sessionID == sessionID {
			entry.timer.Stop()
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			return true
		}
	}
	return false
}

// GetAssignment returns the current assignment for a session.
func (r *SessionRouter) GetAssignment(sessionID string) (*models.Assignment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.assignments[sessionID]
	return a, ok
}

// GetWorkerForSession returns the id of the worker currently holding a session.
func (r *SessionRouter) GetWorkerForSession(sessionID string) (string, bool) {
	a, ok := r.GetAssignment(sessionID)
	if !ok {
		return "", false
	}
	return a.WorkerID, true
}

// HasActiveSession reports whether a session is currently assigned.
func (r *SessionRouter) HasActiveSession(sessionID string) bool {
	_, ok := r.GetAssignment(sessionID)
	return ok
}

// Assignments returns all current assignments in session-id order.
func (r *SessionRouter) Assignments() []*models.Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Assignment, 0, len(r.assignments))
	for _, a := range r.assignments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// QueueSnapshot returns the pending queue in FIFO order.
func (r *SessionRouter) QueueSnapshot() []QueuedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]QueuedSession, 0, len(r.queue))
	for i, entry := range r.queue {
		out = append(out, QueuedSession{
			SessionID:    entry.sessionID,
			ProjectQuery: entry.projectQuery,
			EnqueuedAt:   entry.enqueuedAt,
			Position:     i + 1,
		})
	}
	return out
}

// QueueLength returns the number of pending placement requests.
func (r *SessionRouter) QueueLength() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// pick chooses a worker, trying project-scoped selection first and falling
// back to any ready worker when no project matches. The fallback resolves an
// empty project path.
func (r *SessionRouter) pick(projectQuery string) (*models.Worker, models.Project, bool) {
	if projectQuery != "" {
		if w, project, ok := r.registry.PickForProject(projectQuery); ok {
			return w, project, true
		}
	}
	w, ok := r.registry.PickLeastLoaded()
	if !ok {
		return nil, models.Project{}, false
	}
	return w, models.Project{}, true
}

// drainQueue promotes queued requests in strict FIFO order, stopping at the
// first entry that still cannot be placed.
func (r *SessionRouter) drainQueue() {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		head := r.queue[0]
		r.mu.Unlock()

		worker, project, ok := r.pick(head.projectQuery)
		if !ok {
			return
		}

		r.mu.Lock()
		if len(r.queue) == 0 || r.queue[0] != head {
			// Someone else promoted or expired the head — re-evaluate
			r.mu.Unlock()
			continue
		}
		r.queue = r.queue[1:]
		head.timer.Stop()
		a := &models.Assignment{
			SessionID:   head.sessionID,
			WorkerID:    worker.ID,
			ProjectID:   project.ID,
			ProjectPath: project.Path,
			AssignedAt:  time.Now(),
		}
		r.assignments[head.sessionID] = a
		r.mu.Unlock()

		r.registry.AddSession(worker.ID, head.sessionID)
		log.Printf("[ROUTER] Session %s promoted from queue to worker %s", head.sessionID, worker.ID)
		for _, fn := range r.onPromoted {
			fn(head.sessionID, time.Since(head.enqueuedAt))
		}
		for _, fn := range r.onAssigned {
			fn(a)
		}
		if head.cbs.OnAssigned != nil {
			head.cbs.OnAssigned(a)
		}
	}
}

// queueExpired fires when a queued request's bounded wait elapses. Queue
// membership is the at-most-once guard: a concurrently promoted entry is no
// longer in the queue by the time this acquires the lock.
func (r *SessionRouter) queueExpired(target *queueEntry) {
	r.mu.Lock()
	found := false
	for i, entry := range r.queue {
		if entry == target {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			found = true
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return
	}
	log.Printf("[ROUTER] Session %s queue wait expired after %v", target.sessionID, r.queueWait)
	for _, fn := range r.onQueueTimeout {
		fn(target.sessionID)
	}
	if target.cbs.OnTimeout != nil {
		target.cbs.OnTimeout(target.sessionID)
	}
}

// cascadeDisconnect unassigns every session the disconnected worker held.
// This is the only path that turns a transport failure into a
// session-visible error.
func (r *SessionRouter) cascadeDisconnect(workerID, reason string) {
	r.mu.Lock()
	var orphaned []*models.Assignment
	for id, a := range r.assignments {
		if a.WorkerID == workerID {
			delete(r.assignments, id)
			orphaned = append(orphaned, a)
		}
	}
	r.mu.Unlock()

	if len(orphaned) == 0 {
		return
	}
	sort.Slice(orphaned, func(i, j int) bool { return orphaned[i].SessionID < orphaned[j].SessionID })

	log.Printf("[ROUTER] Worker %s disconnected — unassigning %d session(s)", workerID, len(orphaned))
	for _, a := range orphaned {
		for _, fn := range r.onUnassigned {
			fn(a.SessionID, workerID, "worker disconnected: "+reason)
		}
	}
}
