package models

import "time"

// PRSubscription routes third-party review feedback for a pull request back
// to the worker holding the execution state that produced it. Keyed by
// lowercase repository name plus PR number.
type PRSubscription struct {
	Repo            string    `json:"repo"`
	PrNumber        int       `json:"pr_number"`
	PrURL           string    `json:"pr_url"`
	WorkerID        string    `json:"worker_id"`
	ClaudeSessionID string    `json:"claude_session_id"`
	ProjectID       string    `json:"project_id,omitempty"`
	Channel         string    `json:"channel"`
	ThreadTS        string    `json:"thread_ts"`
	UserID          string    `json:"user_id"`
	SubscribedAt    time.Time `json:"subscribed_at"`
	LastFeedback    time.Time `json:"last_feedback,omitempty"`
}
