package services

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"foreman/internal/config"
	"foreman/internal/models"
)

// ErrWorkerVanished is returned when a worker disappeared between assignment
// and frame delivery.
var ErrWorkerVanished = errors.New("worker vanished before delivery")

const sendTimeout = 5 * time.Second

// EventCallback receives decoded events for one session, in arrival order.
type EventCallback func(*models.SessionEvent)

// StartRequest describes a session the chat layer wants executed.
type StartRequest struct {
	SessionID       string
	Channel         string
	ThreadTS        string
	InitiatorID     string
	InitialPrompt   string
	ProjectQuery    string
	Mode            models.SessionMode
	LinearIssueURLs []string
}

// WorkerProxy bridges session operations onto the worker wire protocol. It
// owns the pending-session callback table, resolves resume-vs-restart, and
// translates inbound worker events into typed callbacks and state updates.
type WorkerProxy struct {
	registry      *WorkerRegistry
	router        *SessionRouter
	store         *SessionStore
	subscriptions *PRSubscriptionRegistry
	modelRouting  config.ModelRouting

	pending *pendingTable
}

// NewWorkerProxy wires the proxy to the fleet services.
func NewWorkerProxy(registry *WorkerRegistry, router *SessionRouter, store *SessionStore,
	subscriptions *PRSubscriptionRegistry, modelRouting config.ModelRouting) *WorkerProxy {
	p := &WorkerProxy{
		registry:      registry,
		router:        router,
		store:         store,
		subscriptions: subscriptions,
		modelRouting:  modelRouting,
		pending:       newPendingTable(),
	}
	// A worker disconnect orphans its sessions: surface an error event to each
	// pending callback so the chat layer can tell the user.
	router.OnUnassigned(p.assignmentRemoved)
	return p
}

// StartInterview places a session on a worker and sends the start frame. With
// queueIfUnavailable set and no free worker, the request queues and the start
// frame is sent on promotion; the returned position is then non-zero.
func (p *WorkerProxy) StartInterview(req *StartRequest, cb EventCallback, queueIfUnavailable bool) (*models.Assignment, int, error) {
	var cbs *QueueCallbacks
	if queueIfUnavailable {
		cbs = &QueueCallbacks{
			OnAssigned: func(a *models.Assignment) {
				if err := p.dispatchStart(req, a, cb, ""); err != nil {
					log.Printf("⚠️ [PROXY] Queued session %s failed to start: %v", req.SessionID, err)
					cb(&models.SessionEvent{
						SessionID: req.SessionID,
						Type:      models.EventError,
						Timestamp: time.Now(),
						Error:     &models.ErrorPayload{Message: "worker became unavailable"},
					})
				}
			},
			OnTimeout: func(sessionID string) {
				cb(&models.SessionEvent{
					SessionID: sessionID,
					Type:      models.EventTimeout,
					Timestamp: time.Now(),
				})
			},
		}
	}

	a, position, err := p.router.AssignSession(req.SessionID, req.ProjectQuery, cbs)
	if err != nil {
		return nil, 0, err
	}
	if a == nil {
		return nil, position, nil
	}
	if err := p.dispatchStart(req, a, cb, ""); err != nil {
		return nil, 0, err
	}
	return a, 0, nil
}

// ResumeSession re-attaches a session after a worker loss or restart. When
// the session lands back on the worker that holds its execution state and a
// resume id was captured, the worker resumes in place; otherwise the session
// restarts from the collected answers on a fresh worker.
func (p *WorkerProxy) ResumeSession(req *StartRequest, cb EventCallback) (*models.Assignment, bool, error) {
	rec, ok := p.store.Get(req.SessionID)
	if !ok {
		return nil, false, ErrSessionNotFound
	}

	a, _, err := p.router.AssignSession(req.SessionID, req.ProjectQuery, nil)
	if err != nil {
		// A closed record stays closed when placement fails
		return nil, false, err
	}
	p.store.Reopen(req.SessionID)

	resumeID := ""
	trueResume := a.WorkerID == rec.OriginalWorker && rec.ClaudeSessionID != ""
	if trueResume {
		resumeID = rec.ClaudeSessionID
		log.Printf("[PROXY] Resuming session %s on original worker %s", req.SessionID, a.WorkerID)
	} else {
		log.Printf("[PROXY] Restarting session %s on worker %s (state lost)", req.SessionID, a.WorkerID)
	}

	if err := p.dispatchStart(req, a, cb, resumeID); err != nil {
		return nil, false, err
	}
	return a, trueResume, nil
}

// dispatchStart registers the callback and delivers the start frame. On
// delivery failure the assignment is rolled back so the session does not
// occupy capacity on a dead worker.
func (p *WorkerProxy) dispatchStart(req *StartRequest, a *models.Assignment, cb EventCallback, resumeID string) error {
	p.pending.put(req.SessionID, cb)

	payload := models.StartInterviewPayload{
		SessionID:       req.SessionID,
		ThreadTS:        req.ThreadTS,
		Channel:         req.Channel,
		InitiatorID:     req.InitiatorID,
		InitialPrompt:   req.InitialPrompt,
		Model:           p.modelRouting.ModelFor(string(req.Mode)),
		ProjectID:       a.ProjectID,
		Mode:            string(req.Mode),
		LinearIssueURLs: req.LinearIssueURLs,
		ClaudeSessionID: resumeID,
	}
	if err := p.send(a.WorkerID, models.NewServerFrame(models.FrameStartInterview, payload)); err != nil {
		p.pending.remove(req.SessionID)
		if uerr := p.router.UnassignSession(req.SessionID, "start delivery failed"); uerr != nil {
			log.Printf("⚠️ [PROXY] Rollback unassign for %s: %v", req.SessionID, uerr)
		}
		return err
	}
	p.store.SetOriginalWorker(req.SessionID, a.WorkerID)
	return nil
}

// SendAnswer forwards a user's answers to the worker running the session.
func (p *WorkerProxy) SendAnswer(sessionID, toolUseID string, answers map[string]string) bool {
	a, ok := p.router.GetAssignment(sessionID)
	if !ok {
		return false
	}
	payload := models.AnswerPayload{SessionID: sessionID, ToolUseID: toolUseID, Answers: answers}
	if err := p.send(a.WorkerID, models.NewServerFrame(models.FrameAnswer, payload)); err != nil {
		log.Printf("⚠️ [PROXY] Answer delivery failed for %s: %v", sessionID, err)
		return false
	}
	p.store.RecordAnswers(sessionID, answers)
	return true
}

// SendMessage forwards a free-text user message to the session's worker.
func (p *WorkerProxy) SendMessage(sessionID, message string) bool {
	a, ok := p.router.GetAssignment(sessionID)
	if !ok {
		return false
	}
	payload := models.MessagePayload{SessionID: sessionID, Message: message}
	if err := p.send(a.WorkerID, models.NewServerFrame(models.FrameMessage, payload)); err != nil {
		log.Printf("⚠️ [PROXY] Message delivery failed for %s: %v", sessionID, err)
		return false
	}
	p.store.Touch(sessionID)
	return true
}

// CancelSession aborts a session. Fire-and-forget toward the worker; local
// state is torn down regardless of delivery.
func (p *WorkerProxy) CancelSession(sessionID, reason string) bool {
	a, ok := p.router.GetAssignment(sessionID)
	if ok {
		payload := models.CancelPayload{SessionID: sessionID, Reason: reason}
		if err := p.send(a.WorkerID, models.NewServerFrame(models.FrameCancel, payload)); err != nil {
			log.Printf("⚠️ [PROXY] Cancel delivery failed for %s: %v", sessionID, err)
		}
	}
	p.pending.remove(sessionID)
	if !ok {
		// Never assigned, may still be queued
		return p.router.RemoveFromQueue(sessionID)
	}
	if err := p.router.UnassignSession(sessionID, "cancelled: "+reason); err != nil {
		return false
	}
	return true
}

// SendPrFeedback routes review feedback to a specific worker. The synthetic
// session id keys the callback table so pr_feedback_addressed events find
// their way back.
func (p *WorkerProxy) SendPrFeedback(workerID string, payload *models.PrFeedbackPayload, cb EventCallback) (string, error) {
	if payload.SessionID == "" {
		payload.SessionID = "pr-feedback-" + uuid.NewString()
	}
	if cb != nil {
		p.pending.put(payload.SessionID, cb)
	}
	if err := p.send(workerID, models.NewServerFrame(models.FramePrFeedback, *payload)); err != nil {
		p.pending.remove(payload.SessionID)
		return "", err
	}
	return payload.SessionID, nil
}

// IsSessionOrphaned reports whether a session record is still open but no
// worker currently holds it. An orphaned session needs a resume before any
// answer or message can be delivered.
func (p *WorkerProxy) IsSessionOrphaned(sessionID string) bool {
	rec, ok := p.store.Get(sessionID)
	if !ok || rec.Closed {
		return false
	}
	return !p.router.HasActiveSession(sessionID)
}

// HandleWorkerEvent decodes an inbound session event, applies its state
// effects, and delivers it to the session's callback. Events for sessions
// with no registered callback are logged and dropped.
func (p *WorkerProxy) HandleWorkerEvent(workerID string, ev *models.EventPayload) {
	event, err := decodeEvent(ev)
	if err != nil {
		log.Printf("⚠️ [PROXY] Undecodable %s event from worker %s: %v", ev.Type, workerID, err)
		return
	}

	cb, ok := p.pending.get(ev.SessionID)
	if !ok {
		log.Printf("[PROXY] Event %s for unknown session %s from worker %s — dropping",
			ev.Type, ev.SessionID, workerID)
		return
	}

	p.applyStateEffects(workerID, event)

	if event.IsTerminal() {
		// Remove pending first so the unassign cascade cannot double-fire
		p.pending.remove(ev.SessionID)
		p.closeForEvent(event)
		if err := p.router.UnassignSession(ev.SessionID, "session "+event.Type); err != nil && !errors.Is(err, ErrSessionNotFound) {
			log.Printf("⚠️ [PROXY] Unassign after %s for %s: %v", event.Type, ev.SessionID, err)
		}
	} else {
		p.store.Touch(ev.SessionID)
	}

	cb(event)
}

func (p *WorkerProxy) applyStateEffects(workerID string, event *models.SessionEvent) {
	id := event.SessionID
	switch event.Type {
	case models.EventSessionStarted:
		if event.Started != nil {
			p.store.SetClaudeSessionID(id, event.Started.ClaudeSessionID)
			p.store.SetOriginalWorker(id, workerID)
		}
	case models.EventQuestion:
		if event.Question != nil {
			p.store.SetQuestion(id, event.Question.Data)
		}
	case models.EventPhaseChange:
		if event.PhaseChange != nil {
			if err := p.store.SetPhase(id, models.SessionPhase(event.PhaseChange.Phase)); err != nil {
				log.Printf("⚠️ [PROXY] Phase change rejected for %s: %v", id, err)
			}
		}
	case models.EventIssuesCreated:
		if event.IssuesCreated != nil {
			p.store.AddIssueURLs(id, event.IssuesCreated.URLs)
		}
	case models.EventPrCreated:
		if event.PrCreated != nil {
			p.subscribeToPr(workerID, id, event.PrCreated.URL)
		}
	case models.EventError:
		if event.Error != nil {
			p.store.SetError(id, event.Error.Message)
		}
	}
}

// subscribeToPr registers a feedback subscription for a PR the session just
// opened, carrying the resume identifiers feedback relay will need.
func (p *WorkerProxy) subscribeToPr(workerID, sessionID, url string) {
	p.store.SetPrURL(sessionID, url)
	repo, number, ok := ParsePRURL(url)
	if !ok {
		log.Printf("⚠️ [PROXY] Unparseable PR URL from session %s: %s", sessionID, url)
		return
	}
	rec, found := p.store.Get(sessionID)
	if !found {
		return
	}
	a, _ := p.router.GetAssignment(sessionID)
	projectID := ""
	if a != nil {
		projectID = a.ProjectID
	}
	p.subscriptions.Subscribe(&models.PRSubscription{
		Repo:            repo,
		PrNumber:        number,
		PrURL:           url,
		WorkerID:        workerID,
		ClaudeSessionID: rec.ClaudeSessionID,
		ProjectID:       projectID,
		Channel:         rec.Channel,
		ThreadTS:        rec.ThreadTS,
		UserID:          rec.UserID,
		SubscribedAt:    time.Now(),
	})
}

func (p *WorkerProxy) closeForEvent(event *models.SessionEvent) {
	switch event.Type {
	case models.EventComplete:
		p.store.Close(event.SessionID, models.PhaseCompleted, "completed")
	case models.EventError:
		detail := ""
		if event.Error != nil {
			detail = event.Error.Message
		}
		p.store.Close(event.SessionID, models.PhaseError, detail)
	case models.EventTimeout:
		p.store.Close(event.SessionID, models.PhaseTimedOut, "worker reported timeout")
	}
}

// assignmentRemoved is the router's unassign cascade. A session that still
// has a pending callback at this point lost its worker mid-flight: surface
// an error event and close it.
func (p *WorkerProxy) assignmentRemoved(sessionID, workerID, reason string) {
	cb, ok := p.pending.get(sessionID)
	if !ok {
		return
	}
	p.pending.remove(sessionID)
	p.store.SetError(sessionID, reason)
	p.store.Close(sessionID, models.PhaseError, reason)
	cb(&models.SessionEvent{
		SessionID: sessionID,
		Type:      models.EventError,
		Timestamp: time.Now(),
		Error:     &models.ErrorPayload{Message: reason},
	})
}

// send delivers a frame to a worker's write loop, bounded so a wedged socket
// cannot block callers indefinitely.
func (p *WorkerProxy) send(workerID string, frame models.ServerFrame) error {
	w, ok := p.registry.Get(workerID)
	if !ok {
		return ErrWorkerVanished
	}
	select {
	case w.WriteChan <- frame:
		return nil
	case <-w.StopChan:
		return ErrWorkerVanished
	case <-time.After(sendTimeout):
		return errors.New("send timed out: worker write queue full")
	}
}

// decodeEvent lifts a raw wire event into the typed SessionEvent delivered to
// callbacks. Unknown event types pass through with no typed payload.
func decodeEvent(ev *models.EventPayload) (*models.SessionEvent, error) {
	event := &models.SessionEvent{
		SessionID: ev.SessionID,
		Type:      ev.Type,
		Timestamp: ev.Timestamp,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if len(ev.Payload) == 0 {
		return event, nil
	}

	var target interface{}
	switch ev.Type {
	case models.EventSessionStarted:
		event.Started = &models.SessionStartedPayload{}
		target = event.Started
	case models.EventQuestion:
		event.Question = &models.QuestionPayload{}
		target = event.Question
	case models.EventText:
		event.Text = &models.TextPayload{}
		target = event.Text
	case models.EventPhaseChange:
		event.PhaseChange = &models.PhaseChangePayload{}
		target = event.PhaseChange
	case models.EventPlanReady:
		event.PlanReady = &models.PlanReadyPayload{}
		target = event.PlanReady
	case models.EventIssuesCreated:
		event.IssuesCreated = &models.IssuesCreatedPayload{}
		target = event.IssuesCreated
	case models.EventPrCreated:
		event.PrCreated = &models.PrCreatedPayload{}
		target = event.PrCreated
	case models.EventPrFeedbackAddressed:
		event.FeedbackAddressed = &models.PrFeedbackAddressedPayload{}
		target = event.FeedbackAddressed
	case models.EventError:
		event.Error = &models.ErrorPayload{}
		target = event.Error
	default:
		return event, nil
	}
	if err := json.Unmarshal(ev.Payload, target); err != nil {
		return nil, err
	}
	return event, nil
}

// pendingTable maps live session ids to their event callbacks.
type pendingTable struct {
	mu  sync.RWMutex
	cbs map[string]EventCallback
}

func newPendingTable() *pendingTable {
	return &pendingTable{cbs: make(map[string]EventCallback)}
}

func (t *pendingTable) put(sessionID string, cb EventCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cbs[sessionID] = cb
}

func (t *pendingTable) get(sessionID string) (EventCallback, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cb, ok := t.cbs[sessionID]
	return cb, ok
}

func (t *pendingTable) remove(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cbs, sessionID)
}
