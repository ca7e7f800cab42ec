package jobs

import (
	"context"
	"log"
	"time"

	"foreman/internal/services"
)

// ClosedSessionReaperJob deletes closed session records once they are old
// enough that nobody will ask about them. Records stay readable for a grace
// window so "what happened to my session" lookups keep working.
type ClosedSessionReaperJob struct {
	store       *services.SessionStore
	interval    time.Duration
	retainAfter time.Duration
}

// NewClosedSessionReaperJob creates the reaper.
// interval: how often to run (e.g., 10 minutes)
// retainAfter: how long closed records stay readable (e.g., 1 hour)
func NewClosedSessionReaperJob(store *services.SessionStore, interval, retainAfter time.Duration) *ClosedSessionReaperJob {
	return &ClosedSessionReaperJob{
		store:       store,
		interval:    interval,
		retainAfter: retainAfter,
	}
}

// Run deletes expired closed sessions.
func (j *ClosedSessionReaperJob) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-j.retainAfter)
	if n := j.store.ReapClosed(cutoff); n > 0 {
		log.Printf("[SESSION-REAPER] Deleted %d closed session(s)", n)
	}
	return nil
}

// GetNextRunTime returns when the job should next run.
func (j *ClosedSessionReaperJob) GetNextRunTime() time.Time {
	return time.Now().Add(j.interval)
}
