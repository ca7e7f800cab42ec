package services

import (
	"fmt"
	"log"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"foreman/internal/models"
)

var prURLPattern = regexp.MustCompile(`github\.com/([^/]+/[^/]+)/pull/(\d+)`)

// ParsePRURL extracts the "owner/repo" name and PR number from a GitHub pull
// request URL.
func ParsePRURL(url string) (repo string, number int, ok bool) {
	m := prURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", 0, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], n, true
}

// PRSubscriptionRegistry maps open pull requests to the worker and execution
// session that produced them, so review feedback arriving later can be routed
// back to the state that can act on it.
type PRSubscriptionRegistry struct {
	mu   sync.RWMutex
	subs map[string]*models.PRSubscription
}

// NewPRSubscriptionRegistry creates an empty registry.
func NewPRSubscriptionRegistry() *PRSubscriptionRegistry {
	return &PRSubscriptionRegistry{
		subs: make(map[string]*models.PRSubscription),
	}
}

func subscriptionKey(repo string, number int) string {
	return fmt.Sprintf("%s#%d", strings.ToLower(repo), number)
}

// Subscribe installs a subscription for a pull request. A duplicate for the
// same PR overwrites the previous one; the newest producer owns the feedback.
func (r *PRSubscriptionRegistry) Subscribe(sub *models.PRSubscription) {
	key := subscriptionKey(sub.Repo, sub.PrNumber)
	if sub.SubscribedAt.IsZero() {
		sub.SubscribedAt = time.Now()
	}

	r.mu.Lock()
	if prev, ok := r.subs[key]; ok && prev.WorkerID != sub.WorkerID {
		log.Printf("[PR-SUBS] Subscription for %s moved from worker %s to %s",
			key, prev.WorkerID, sub.WorkerID)
	}
	r.subs[key] = sub
	r.mu.Unlock()

	log.Printf("[PR-SUBS] Subscribed %s (worker=%s session=%s)", key, sub.WorkerID, sub.ClaudeSessionID)
}

// Get looks up the subscription for a pull request.
func (r *PRSubscriptionRegistry) Get(repo string, number int) (*models.PRSubscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[subscriptionKey(repo, number)]
	if !ok {
		return nil, false
	}
	cp := *sub
	return &cp, true
}

// Unsubscribe removes the subscription for a pull request.
func (r *PRSubscriptionRegistry) Unsubscribe(repo string, number int) bool {
	key := subscriptionKey(repo, number)
	r.mu.Lock()
	_, ok := r.subs[key]
	delete(r.subs, key)
	r.mu.Unlock()
	if ok {
		log.Printf("[PR-SUBS] Unsubscribed %s", key)
	}
	return ok
}

// Touch stamps the last feedback time on a subscription.
func (r *PRSubscriptionRegistry) Touch(repo string, number int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[subscriptionKey(repo, number)]; ok {
		sub.LastFeedback = time.Now()
	}
}

// List returns all subscriptions in key order.
func (r *PRSubscriptionRegistry) List() []*models.PRSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*models.PRSubscription, 0, len(keys))
	for _, k := range keys {
		cp := *r.subs[k]
		out = append(out, &cp)
	}
	return out
}

// Count returns the number of live subscriptions.
func (r *PRSubscriptionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// GetSubscriptionsForWorker returns the subscriptions bound to one worker.
func (r *PRSubscriptionRegistry) GetSubscriptionsForWorker(workerID string) []*models.PRSubscription {
	var out []*models.PRSubscription
	for _, sub := range r.List() {
		if sub.WorkerID == workerID {
			out = append(out, sub)
		}
	}
	return out
}

// SweepIdle removes subscriptions with no feedback activity since the cutoff,
// falling back to the subscription time when no feedback ever arrived.
// Returns how many were removed.
func (r *PRSubscriptionRegistry) SweepIdle(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, sub := range r.subs {
		last := sub.LastFeedback
		if last.IsZero() {
			last = sub.SubscribedAt
		}
		if last.Before(cutoff) {
			delete(r.subs, key)
			log.Printf("[PR-SUBS] Swept idle subscription %s", key)
			n++
		}
	}
	return n
}
