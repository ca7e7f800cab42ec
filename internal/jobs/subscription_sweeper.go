package jobs

import (
	"context"
	"log"
	"time"

	"foreman/internal/services"
)

// SubscriptionSweeperJob removes pull request feedback subscriptions that
// have gone quiet. A PR nobody has commented on in days is either merged,
// abandoned, or being handled out of band; holding its routing entry forever
// just leaks memory.
type SubscriptionSweeperJob struct {
	subscriptions *services.PRSubscriptionRegistry
	interval      time.Duration
	maxIdle       time.Duration
}

// NewSubscriptionSweeperJob creates the sweeper.
// interval: how often to run (e.g., 1 hour)
// maxIdle: subscriptions with no feedback for this long are removed (e.g., 7 days)
func NewSubscriptionSweeperJob(subscriptions *services.PRSubscriptionRegistry, interval, maxIdle time.Duration) *SubscriptionSweeperJob {
	return &SubscriptionSweeperJob{
		subscriptions: subscriptions,
		interval:      interval,
		maxIdle:       maxIdle,
	}
}

// Run sweeps idle subscriptions.
func (j *SubscriptionSweeperJob) Run(ctx context.Context) error {
	cutoff := time.Now().Add(-j.maxIdle)
	if n := j.subscriptions.SweepIdle(cutoff); n > 0 {
		log.Printf("[SUB-SWEEPER] Removed %d idle subscription(s)", n)
	}
	return nil
}

// GetNextRunTime returns when the job should next run.
func (j *SubscriptionSweeperJob) GetNextRunTime() time.Time {
	return time.Now().Add(j.interval)
}
