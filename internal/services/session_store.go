package services

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"foreman/internal/database"
	"foreman/internal/models"
)

// SessionTimeoutListener is notified when a session is closed for inactivity.
type SessionTimeoutListener func(sessionID string)

// SessionCloseListener is notified once per session close with the final phase.
type SessionCloseListener func(sessionID string, phase models.SessionPhase)

type sessionEntry struct {
	rec      *models.SessionRecord
	timer    *time.Timer
	timerGen uint64
}

// SessionStore holds per-session interview state: phase, mode, the single
// pending question, collected answers and resume identifiers. Sessions idle
// past the inactivity window are closed as timed out.
type SessionStore struct {
	mu         sync.RWMutex
	sessions   map[string]*sessionEntry
	inactivity time.Duration
	audit      *database.DB

	onTimeout []SessionTimeoutListener
	onClosed  []SessionCloseListener
}

// NewSessionStore creates a store. The audit store may be nil.
func NewSessionStore(inactivity time.Duration, audit *database.DB) *SessionStore {
	return &SessionStore{
		sessions:   make(map[string]*sessionEntry),
		inactivity: inactivity,
		audit:      audit,
	}
}

// OnTimeout registers a listener for inactivity closures.
func (s *SessionStore) OnTimeout(fn SessionTimeoutListener) {
	s.onTimeout = append(s.onTimeout, fn)
}

// OnClosed registers a listener for session closes.
func (s *SessionStore) OnClosed(fn SessionCloseListener) {
	s.onClosed = append(s.onClosed, fn)
}

// Create installs a new session record in the problem phase. An existing open
// session with the same id is returned unchanged.
func (s *SessionStore) Create(id, channel, threadTS, userID string, mode models.SessionMode) *models.SessionRecord {
	now := time.Now()

	s.mu.Lock()
	if e, ok := s.sessions[id]; ok && !e.rec.Closed {
		snapshot := snapshotRecord(e.rec)
		s.mu.Unlock()
		return snapshot
	}
	rec := &models.SessionRecord{
		ID:           id,
		Channel:      channel,
		ThreadTS:     threadTS,
		UserID:       userID,
		Phase:        models.PhaseProblem,
		Mode:         mode,
		Answers:      make(map[string]string),
		CreatedAt:    now,
		LastActivity: now,
	}
	e := &sessionEntry{rec: rec}
	s.sessions[id] = e
	s.armTimerLocked(id, e)
	s.mu.Unlock()

	log.Printf("[SESSIONS] Session created: %s (mode=%s)", id, mode)
	return snapshotRecord(rec)
}

// Get returns a snapshot of a session record.
func (s *SessionStore) Get(id string) (*models.SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	return snapshotRecord(e.rec), true
}

// List returns snapshots of all sessions in id order.
func (s *SessionStore) List() []*models.SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.SessionRecord, 0, len(s.sessions))
	for _, e := range s.sessions {
		out = append(out, snapshotRecord(e.rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of open sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.sessions {
		if !e.rec.Closed {
			n++
		}
	}
	return n
}

// Touch refreshes a session's activity window.
func (s *SessionStore) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok || e.rec.Closed {
		return
	}
	e.rec.LastActivity = time.Now()
	s.armTimerLocked(id, e)
}

// SetPhase advances a session's phase. Phases only move forward; error and
// timed_out are reachable from any non-terminal phase. Illegal transitions
// are rejected.
func (s *SessionStore) SetPhase(id string, phase models.SessionPhase) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	current := e.rec.Phase
	if current == phase {
		s.mu.Unlock()
		return nil
	}
	if !current.CanTransitionTo(phase) {
		s.mu.Unlock()
		return fmt.Errorf("illegal phase transition %s -> %s", current, phase)
	}
	e.rec.Phase = phase
	e.rec.LastActivity = time.Now()
	s.armTimerLocked(id, e)
	s.mu.Unlock()

	log.Printf("[SESSIONS] Session %s phase: %s -> %s", id, current, phase)
	return nil
}

// SetMode switches the kind of work a session is doing.
func (s *SessionStore) SetMode(id string, mode models.SessionMode) {
	s.update(id, func(rec *models.SessionRecord) {
		rec.Mode = mode
	})
}

// SetQuestion installs the session's pending question. A still-unanswered
// previous question is overwritten with a warning; the worker has moved on
// and stale answers would be misdirected.
func (s *SessionStore) SetQuestion(id string, data models.QuestionData) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if prev := e.rec.PendingQuestion; prev != nil {
		log.Printf("⚠️ [SESSIONS] Session %s got a new question while %s was still pending — overwriting",
			id, prev.ToolUseID)
	}
	e.rec.PendingQuestion = &models.PendingQuestion{
		ToolUseID: data.ToolUseID,
		Data:      data,
		AskedAt:   time.Now(),
	}
	e.rec.LastActivity = time.Now()
	s.armTimerLocked(id, e)
	s.mu.Unlock()
}

// PendingQuestion returns the session's outstanding question, if any.
func (s *SessionStore) PendingQuestion(id string) (*models.PendingQuestion, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	if !ok || e.rec.PendingQuestion == nil {
		return nil, false
	}
	q := *e.rec.PendingQuestion
	return &q, true
}

// RecordAnswers merges a user's answers into the session and clears the
// pending question.
func (s *SessionStore) RecordAnswers(id string, answers map[string]string) {
	s.update(id, func(rec *models.SessionRecord) {
		for k, v := range answers {
			rec.Answers[k] = v
		}
		rec.PendingQuestion = nil
	})
}

// SetClaudeSessionID captures the worker-local execution session id used for
// resumption.
func (s *SessionStore) SetClaudeSessionID(id, claudeSessionID string) {
	s.update(id, func(rec *models.SessionRecord) {
		rec.ClaudeSessionID = claudeSessionID
	})
}

// SetOriginalWorker records which worker holds the session's execution state.
func (s *SessionStore) SetOriginalWorker(id, workerID string) {
	s.update(id, func(rec *models.SessionRecord) {
		rec.OriginalWorker = workerID
	})
}

// AddIssueURLs appends tracker issues created for the session.
func (s *SessionStore) AddIssueURLs(id string, urls []string) {
	s.update(id, func(rec *models.SessionRecord) {
		rec.IssueURLs = append(rec.IssueURLs, urls...)
	})
}

// SetPrURL records the pull request the session produced.
func (s *SessionStore) SetPrURL(id, url string) {
	s.update(id, func(rec *models.SessionRecord) {
		rec.PrURL = url
	})
}

// SetError moves a session to the error phase with a message. The phase
// transition is always legal from a non-terminal phase.
func (s *SessionStore) SetError(id, message string) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !e.rec.Phase.IsTerminal() {
		e.rec.Phase = models.PhaseError
	}
	e.rec.ErrorMessage = message
	s.mu.Unlock()
}

// Close finalizes a session: terminal phase applied (when legal), inactivity
// timer disarmed, outcome recorded. The record remains readable until the
// reaper deletes it.
func (s *SessionStore) Close(id string, phase models.SessionPhase, detail string) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok || e.rec.Closed {
		s.mu.Unlock()
		return
	}
	if !e.rec.Phase.IsTerminal() && e.rec.Phase.CanTransitionTo(phase) {
		e.rec.Phase = phase
	}
	e.rec.Closed = true
	e.rec.ClosedAt = time.Now()
	e.rec.PendingQuestion = nil
	s.disarmTimerLocked(e)
	workerID := e.rec.OriginalWorker
	finalPhase := e.rec.Phase
	s.mu.Unlock()

	log.Printf("[SESSIONS] Session closed: %s (phase=%s)", id, finalPhase)
	if s.audit != nil {
		s.audit.RecordSessionOutcome(id, workerID, string(finalPhase), detail)
	}
	for _, fn := range s.onClosed {
		fn(id, finalPhase)
	}
}

// Reopen restores a closed session so it can be resumed. A terminal phase is
// rolled back to problem; phase_change events from the worker re-advance it.
func (s *SessionStore) Reopen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return false
	}
	if e.rec.Phase.IsTerminal() {
		e.rec.Phase = models.PhaseProblem
	}
	e.rec.Closed = false
	e.rec.ClosedAt = time.Time{}
	e.rec.ErrorMessage = ""
	e.rec.LastActivity = time.Now()
	s.armTimerLocked(id, e)
	return true
}

// Delete removes a session record entirely.
func (s *SessionStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return
	}
	s.disarmTimerLocked(e)
	delete(s.sessions, id)
}

// ReapClosed deletes sessions closed before the cutoff and returns how many
// were removed.
func (s *SessionStore) ReapClosed(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.sessions {
		if e.rec.Closed && e.rec.ClosedAt.Before(cutoff) {
			s.disarmTimerLocked(e)
			delete(s.sessions, id)
			n++
		}
	}
	return n
}

// update runs a mutation under the lock and refreshes the activity window.
func (s *SessionStore) update(id string, fn func(*models.SessionRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return
	}
	fn(e.rec)
	if !e.rec.Closed {
		e.rec.LastActivity = time.Now()
		s.armTimerLocked(id, e)
	}
}

func (s *SessionStore) armTimerLocked(id string, e *sessionEntry) {
	if s.inactivity <= 0 {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerGen++
	gen := e.timerGen
	e.timer = time.AfterFunc(s.inactivity, func() {
		s.inactivityExpired(id, gen)
	})
}

func (s *SessionStore) disarmTimerLocked(e *sessionEntry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.timerGen++
}

// inactivityExpired closes an idle session as timed out. The generation
// counter makes a timer racing its own reset a no-op.
func (s *SessionStore) inactivityExpired(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok || e.timerGen != gen || e.rec.Closed {
		s.mu.Unlock()
		return
	}
	if !e.rec.Phase.IsTerminal() {
		e.rec.Phase = models.PhaseTimedOut
	}
	e.rec.Closed = true
	e.rec.ClosedAt = time.Now()
	e.rec.PendingQuestion = nil
	s.disarmTimerLocked(e)
	workerID := e.rec.OriginalWorker
	s.mu.Unlock()

	log.Printf("[SESSIONS] Session %s idle past %v — timed out", id, s.inactivity)
	if s.audit != nil {
		s.audit.RecordSessionOutcome(id, workerID, string(models.PhaseTimedOut), "inactivity timeout")
	}
	for _, fn := range s.onClosed {
		fn(id, models.PhaseTimedOut)
	}
	for _, fn := range s.onTimeout {
		fn(id)
	}
}

func snapshotRecord(rec *models.SessionRecord) *models.SessionRecord {
	out := *rec
	out.Answers = make(map[string]string, len(rec.Answers))
	for k, v := range rec.Answers {
		out.Answers[k] = v
	}
	if rec.PendingQuestion != nil {
		q := *rec.PendingQuestion
		out.PendingQuestion = &q
	}
	out.IssueURLs = append([]string(nil), rec.IssueURLs...)
	return &out
}

// DetectIntent classifies a kickoff message into a session mode using a
// keyword heuristic. Greetings and empty prompts land in greeting mode so the
// bot can ask what to work on instead of launching an interview.
func DetectIntent(text string) models.SessionMode {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if trimmed == "" {
		return models.ModeGreeting
	}
	for _, g := range []string{"hi", "hello", "hey", "yo", "good morning", "good afternoon"} {
		if trimmed == g || strings.HasPrefix(trimmed, g+" ") || strings.HasPrefix(trimmed, g+",") {
			if len(strings.Fields(trimmed)) <= 4 {
				return models.ModeGreeting
			}
		}
	}
	switch {
	case containsAny(trimmed, "review the pr", "review this pr", "review pr", "look at the pr", "check the pr"):
		return models.ModeReview
	case containsAny(trimmed, "build", "implement", "fix", "add support", "write the code", "code it up"):
		return models.ModeBuild
	case containsAny(trimmed, "plan", "design", "spec out", "break down", "create issues"):
		return models.ModePlan
	}
	return models.ModeInterview
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
