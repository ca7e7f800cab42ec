package models

import "time"

// SessionPhase is the interview progress state. Phases only move forward;
// error and timed_out are absorbing.
type SessionPhase string

const (
	PhaseProblem        SessionPhase = "problem"
	PhaseScope          SessionPhase = "scope"
	PhaseTechnical      SessionPhase = "technical"
	PhaseConfirmation   SessionPhase = "confirmation"
	PhaseResearching    SessionPhase = "researching"
	PhaseGenerating     SessionPhase = "generating"
	PhaseReviewing      SessionPhase = "reviewing"
	PhaseCreatingIssues SessionPhase = "creating_issues"
	PhaseCompleted      SessionPhase = "completed"
	PhaseError          SessionPhase = "error"
	PhaseTimedOut       SessionPhase = "timed_out"
)

// phaseRank orders the forward-only phases. Terminal phases are handled
// separately and are reachable from any non-terminal phase.
var phaseRank = map[SessionPhase]int{
	PhaseProblem:        0,
	PhaseScope:          1,
	PhaseTechnical:      2,
	PhaseConfirmation:   3,
	PhaseResearching:    4,
	PhaseGenerating:     5,
	PhaseReviewing:      6,
	PhaseCreatingIssues: 7,
	PhaseCompleted:      8,
}

// IsTerminal reports whether the phase is absorbing.
func (p SessionPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseError || p == PhaseTimedOut
}

// CanTransitionTo reports whether moving from p to next is a legal forward
// transition. Error and timed_out are reachable from any non-terminal phase.
func (p SessionPhase) CanTransitionTo(next SessionPhase) bool {
	if p.IsTerminal() {
		return false
	}
	if next == PhaseError || next == PhaseTimedOut {
		return true
	}
	from, ok := phaseRank[p]
	if !ok {
		return false
	}
	to, ok := phaseRank[next]
	if !ok {
		return false
	}
	return to > from
}

// SessionMode is the kind of work the session is doing. Orthogonal to phase.
type SessionMode string

const (
	ModeGreeting  SessionMode = "greeting"
	ModeInterview SessionMode = "interview"
	ModePlan      SessionMode = "plan"
	ModeBuild     SessionMode = "build"
	ModeReview    SessionMode = "review"
)

// PendingQuestion is the single outstanding question a session may carry.
type PendingQuestion struct {
	ToolUseID string       `json:"tool_use_id"`
	Data      QuestionData `json:"data"`
	AskedAt   time.Time    `json:"asked_at"`
}

// SessionRecord is the per-session state mutated by inbound worker events and
// read by the chat layer and by resume logic.
type SessionRecord struct {
	ID              string            `json:"id"`
	Channel         string            `json:"channel"`
	ThreadTS        string            `json:"thread_ts"`
	UserID          string            `json:"user_id"`
	Phase           SessionPhase      `json:"phase"`
	Mode            SessionMode       `json:"mode"`
	PendingQuestion *PendingQuestion  `json:"pending_question,omitempty"`
	Answers         map[string]string `json:"answers,omitempty"`
	ClaudeSessionID string            `json:"claude_session_id,omitempty"`
	OriginalWorker  string            `json:"original_worker,omitempty"`
	IssueURLs       []string          `json:"issue_urls,omitempty"`
	PrURL           string            `json:"pr_url,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	LastActivity    time.Time         `json:"last_activity"`
	Closed          bool              `json:"closed"`
	ClosedAt        time.Time         `json:"closed_at,omitempty"`
}

// SessionEvent is a typed, decoded worker event delivered to the per-session
// callback registered at start time. Exactly one of the payload pointers is
// set, matching Type.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Started           *SessionStartedPayload      `json:"started,omitempty"`
	Question          *QuestionPayload            `json:"question,omitempty"`
	Text              *TextPayload                `json:"text,omitempty"`
	PhaseChange       *PhaseChangePayload         `json:"phase_change,omitempty"`
	PlanReady         *PlanReadyPayload           `json:"plan_ready,omitempty"`
	IssuesCreated     *IssuesCreatedPayload       `json:"issues_created,omitempty"`
	PrCreated         *PrCreatedPayload           `json:"pr_created,omitempty"`
	FeedbackAddressed *PrFeedbackAddressedPayload `json:"pr_feedback_addressed,omitempty"`
	Error             *ErrorPayload               `json:"error,omitempty"`
}

// IsTerminal reports whether the event ends the session's pending state.
func (e *SessionEvent) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError || e.Type == EventTimeout
}
