package models

import (
	"encoding/json"
	"time"
)

// Worker → coordinator frame types.
const (
	FrameRegister  = "register"
	FrameHeartbeat = "heartbeat"
	FrameEvent     = "event"
	FramePong      = "pong"
)

// Coordinator → worker frame types.
const (
	FrameStartInterview = "start_interview"
	FrameAnswer         = "answer"
	FrameMessage        = "message"
	FrameCancel         = "cancel"
	FramePrFeedback     = "pr_feedback"
	FramePing           = "ping"
	FrameRegistered     = "registered"
	FrameError          = "error"
)

// WorkerFrame is the envelope for every frame a worker sends. The payload is
// decoded into a typed struct once the discriminator is known.
type WorkerFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerFrame is the envelope for every frame the coordinator sends to a worker.
type ServerFrame struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// RegisterPayload is a worker's registration announcement.
type RegisterPayload struct {
	WorkerID       string    `json:"workerId"`
	APIToken       string    `json:"apiToken"`
	Projects       []Project `json:"projects"`
	DefaultProject string    `json:"defaultProject,omitempty"`
	Hostname       string    `json:"hostname,omitempty"`
}

// HeartbeatPayload carries a worker's periodic liveness report.
type HeartbeatPayload struct {
	WorkerID       string       `json:"workerId"`
	Status         WorkerStatus `json:"status"`
	ActiveSessions []string     `json:"activeSessions"`
}

// EventPayload is a worker-reported session event. The inner payload is
// decoded by event type.
type EventPayload struct {
	SessionID string          `json:"sessionId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Worker event payload types.
const (
	EventSessionStarted      = "session_started"
	EventQuestion            = "question"
	EventText                = "text"
	EventPhaseChange         = "phase_change"
	EventPlanReady           = "plan_ready"
	EventIssuesCreated       = "issues_created"
	EventPrCreated           = "pr_created"
	EventPrFeedbackAddressed = "pr_feedback_addressed"
	EventError               = "error"
	EventComplete            = "complete"
	EventTimeout             = "timeout"
)

// SessionStartedPayload reports the worker's local execution-session id.
type SessionStartedPayload struct {
	ClaudeSessionID string `json:"claudeSessionId"`
}

// QuestionPayload carries a structured question the worker wants answered.
type QuestionPayload struct {
	Data QuestionData `json:"data"`
}

// QuestionData is the question content presented to the user.
type QuestionData struct {
	ToolUseID string         `json:"toolUseId"`
	Header    string         `json:"header,omitempty"`
	Questions []QuestionItem `json:"questions,omitempty"`
}

// QuestionItem is a single prompt within a question round.
type QuestionItem struct {
	Header   string   `json:"header"`
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// TextPayload is free-form streamed worker output.
type TextPayload struct {
	Content string `json:"content"`
}

// PhaseChangePayload reports interview progress.
type PhaseChangePayload struct {
	Phase string `json:"phase"`
}

// PlanReadyPayload carries the completed plan document.
type PlanReadyPayload struct {
	Content string `json:"content"`
}

// IssuesCreatedPayload reports tracker issues the worker created.
type IssuesCreatedPayload struct {
	URLs []string `json:"urls"`
}

// PrCreatedPayload reports a pull request the worker opened.
type PrCreatedPayload struct {
	URL string `json:"url"`
}

// PrFeedbackAddressedPayload reports the outcome of a PR feedback round.
type PrFeedbackAddressedPayload struct {
	PrURL          string   `json:"prUrl"`
	CommitSHA      string   `json:"commitSha,omitempty"`
	Summary        string   `json:"summary,omitempty"`
	CommentReplies []string `json:"commentReplies,omitempty"`
}

// ErrorPayload reports a worker-side session failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// StartInterviewPayload instructs a worker to start (or resume) a session.
type StartInterviewPayload struct {
	SessionID       string   `json:"sessionId"`
	ThreadTS        string   `json:"threadTs"`
	Channel         string   `json:"channel"`
	InitiatorID     string   `json:"initiatorId"`
	InitialPrompt   string   `json:"initialPrompt"`
	Model           string   `json:"model"`
	ProjectID       string   `json:"projectId,omitempty"`
	Mode            string   `json:"mode"`
	LinearIssueURLs []string `json:"linearIssueUrls,omitempty"`
	ClaudeSessionID string   `json:"claudeSessionId,omitempty"`
}

// AnswerPayload delivers a user's answers to a pending question.
type AnswerPayload struct {
	SessionID string            `json:"sessionId"`
	ToolUseID string            `json:"toolUseId"`
	Answers   map[string]string `json:"answers"`
}

// MessagePayload forwards a free-text user message to the worker.
type MessagePayload struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// CancelPayload aborts a running session. Fire-and-forget.
type CancelPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// PrFeedbackPayload routes third-party PR review feedback to the worker that
// owns the PR's execution state.
type PrFeedbackPayload struct {
	SessionID       string         `json:"sessionId"`
	PrURL           string         `json:"prUrl"`
	PrNumber        int            `json:"prNumber"`
	Repo            string         `json:"repo"`
	ClaudeSessionID string         `json:"claudeSessionId"`
	ProjectID       string         `json:"projectId,omitempty"`
	FeedbackType    string         `json:"feedbackType"`
	Feedback        []FeedbackItem `json:"feedback"`
}

// FeedbackItem is one review comment relayed to the worker.
type FeedbackItem struct {
	Author    string `json:"author"`
	Body      string `json:"body"`
	Path      string `json:"path,omitempty"`
	Line      int    `json:"line,omitempty"`
	CommentID int64  `json:"commentId,omitempty"`
}

// NewServerFrame builds an outbound frame with a typed payload.
func NewServerFrame(frameType string, payload interface{}) ServerFrame {
	return ServerFrame{Type: frameType, Payload: payload}
}
