package models

import (
	"strings"
	"time"
)

// WorkerStatus is the advertised readiness of a worker.
type WorkerStatus string

const (
	WorkerStatusReady WorkerStatus = "ready"
	WorkerStatusBusy  WorkerStatus = "busy"
)

// Project is a repository a worker can operate on.
type Project struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Aliases []string `json:"aliases,omitempty"`
}

// MatchRank orders project match quality: lower is better, -1 means no match.
// Precedence: id, exact name, alias, case-insensitive substring of name.
func (p Project) MatchRank(query string) int {
	if query == "" {
		return -1
	}
	if p.ID == query {
		return 0
	}
	if p.Name == query {
		return 1
	}
	for _, alias := range p.Aliases {
		if strings.EqualFold(alias, query) {
			return 2
		}
	}
	if strings.Contains(strings.ToLower(p.Name), strings.ToLower(query)) {
		return 3
	}
	return -1
}

// Worker represents an active worker connection.
// ActiveSessions and Status are kept consistent by the registry: a worker is
// busy exactly when it holds at least one active session.
type Worker struct {
	ID             string          `json:"id"`
	Status         WorkerStatus    `json:"status"`
	Hostname       string          `json:"hostname,omitempty"`
	Projects       []Project       `json:"projects"`
	DefaultProject string          `json:"default_project,omitempty"`
	ActiveSessions map[string]bool `json:"-"`
	ConnID         string          `json:"-"`
	ConnectedAt    time.Time       `json:"connected_at"`
	LastHeartbeat  time.Time       `json:"last_heartbeat"`

	WriteChan chan ServerFrame `json:"-"`
	StopChan  chan struct{}    `json:"-"`
}

// SessionIDs returns the worker's active session ids as a slice.
func (w *Worker) SessionIDs() []string {
	ids := make([]string, 0, len(w.ActiveSessions))
	for id := range w.ActiveSessions {
		ids = append(ids, id)
	}
	return ids
}

// Clone returns a deep copy of the worker record. The project list and
// session set are detached so the copy can be read while the original keeps
// mutating; the connection channels are shared.
func (w *Worker) Clone() *Worker {
	out := *w
	out.Projects = append([]Project(nil), w.Projects...)
	out.ActiveSessions = make(map[string]bool, len(w.ActiveSessions))
	for id := range w.ActiveSessions {
		out.ActiveSessions[id] = true
	}
	return &out
}

// FindProject resolves a project query against this worker's project list,
// returning the best match by precedence.
func (w *Worker) FindProject(query string) (Project, bool) {
	best := -1
	var found Project
	for _, p := range w.Projects {
		rank := p.MatchRank(query)
		if rank < 0 {
			continue
		}
		if best < 0 || rank < best {
			best = rank
			found = p
		}
	}
	return found, best >= 0
}

// Assignment is the current binding of a session to a worker.
type Assignment struct {
	SessionID   string    `json:"session_id"`
	WorkerID    string    `json:"worker_id"`
	ProjectID   string    `json:"project_id,omitempty"`
	ProjectPath string    `json:"project_path,omitempty"`
	AssignedAt  time.Time `json:"assigned_at"`
}
