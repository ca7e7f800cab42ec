package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"

	"foreman/internal/models"
	"foreman/internal/services"
)

// PRWebhookHandler receives GitHub webhook deliveries and relays review
// feedback to the worker subscribed to the pull request. Unknown PRs are
// acknowledged and dropped so GitHub does not retry them.
type PRWebhookHandler struct {
	subscriptions *services.PRSubscriptionRegistry
	proxy         *services.WorkerProxy
	metrics       *services.Metrics
	secret        []byte

	rateLimit  int
	rateWindow time.Duration
	limiters   sync.Map // repo -> *rate.Limiter
}

// NewPRWebhookHandler creates the webhook relay. Metrics may be nil.
func NewPRWebhookHandler(subscriptions *services.PRSubscriptionRegistry, proxy *services.WorkerProxy,
	metrics *services.Metrics, secret string, rateLimit int, rateWindow time.Duration) *PRWebhookHandler {
	return &PRWebhookHandler{
		subscriptions: subscriptions,
		proxy:         proxy,
		metrics:       metrics,
		secret:        []byte(secret),
		rateLimit:     rateLimit,
		rateWindow:    rateWindow,
	}
}

// Webhook delivery shapes — only the fields the relay needs.
type webhookDelivery struct {
	Action      string `json:"action"`
	Repository  struct{ FullName string `json:"full_name"` } `json:"repository"`
	PullRequest *struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
	} `json:"pull_request"`
	Issue *struct {
		Number      int       `json:"number"`
		PullRequest *struct{} `json:"pull_request"`
	} `json:"issue"`
	Review *struct {
		State string      `json:"state"`
		Body  string      `json:"body"`
		User  webhookUser `json:"user"`
	} `json:"review"`
	Comment *struct {
		ID   int64       `json:"id"`
		Body string      `json:"body"`
		Path string      `json:"path"`
		Line int         `json:"line"`
		User webhookUser `json:"user"`
	} `json:"comment"`
}

type webhookUser struct {
	Login string `json:"login"`
	Type  string `json:"type"`
}

func (u webhookUser) isBot() bool {
	return u.Type == "Bot" || strings.HasSuffix(u.Login, "[bot]")
}

// Handle processes POST /api/webhooks/github.
func (h *PRWebhookHandler) Handle(c *fiber.Ctx) error {
	body := c.Body()
	if !h.signatureValid(c.Get("X-Hub-Signature-256"), body) {
		log.Printf("⚠️ [WEBHOOK] Invalid signature from %s", c.IP())
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid signature",
		})
	}

	event := c.Get("X-GitHub-Event")
	if h.metrics != nil {
		h.metrics.WebhooksReceived.WithLabelValues(event).Inc()
	}
	if event == "ping" {
		return c.JSON(fiber.Map{"ok": true})
	}

	var delivery webhookDelivery
	if err := json.Unmarshal(body, &delivery); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "malformed payload",
		})
	}

	repo := delivery.Repository.FullName
	prNumber, ok := deliveryPrNumber(event, &delivery)
	if !ok {
		return c.JSON(fiber.Map{"status": "ignored"})
	}

	sub, found := h.subscriptions.Get(repo, prNumber)
	if !found {
		return c.JSON(fiber.Map{"status": "no subscription"})
	}

	// PR lifecycle events end the subscription rather than relaying feedback
	if event == "pull_request" {
		if delivery.Action == "closed" {
			h.subscriptions.Unsubscribe(repo, prNumber)
			log.Printf("[WEBHOOK] PR %s#%d closed — subscription removed", repo, prNumber)
		}
		return c.JSON(fiber.Map{"status": "ok"})
	}

	feedback, feedbackType, ok := extractFeedback(event, &delivery)
	if !ok {
		return c.JSON(fiber.Map{"status": "ignored"})
	}

	if !h.allow(repo) {
		if h.metrics != nil {
			h.metrics.WebhooksThrottled.Inc()
		}
		log.Printf("⚠️ [WEBHOOK] Rate limit exceeded for %s", repo)
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "rate limit exceeded",
		})
	}

	payload := &models.PrFeedbackPayload{
		PrURL:           sub.PrURL,
		PrNumber:        sub.PrNumber,
		Repo:            sub.Repo,
		ClaudeSessionID: sub.ClaudeSessionID,
		ProjectID:       sub.ProjectID,
		FeedbackType:    feedbackType,
		Feedback:        []models.FeedbackItem{feedback},
	}
	if _, err := h.proxy.SendPrFeedback(sub.WorkerID, payload, h.feedbackCallback(repo, prNumber)); err != nil {
		log.Printf("⚠️ [WEBHOOK] Relay to worker %s failed for %s#%d: %v",
			sub.WorkerID, repo, prNumber, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "worker unavailable",
		})
	}

	h.subscriptions.Touch(repo, prNumber)
	if h.metrics != nil {
		h.metrics.WebhooksRelayed.Inc()
	}
	log.Printf("[WEBHOOK] Relayed %s feedback for %s#%d to worker %s",
		feedbackType, repo, prNumber, sub.WorkerID)
	return c.JSON(fiber.Map{"status": "relayed"})
}

func deliveryPrNumber(event string, d *webhookDelivery) (int, bool) {
	switch event {
	case "issue_comment":
		// Only comments on PRs, not plain issues
		if d.Issue == nil || d.Issue.PullRequest == nil {
			return 0, false
		}
		return d.Issue.Number, true
	default:
		if d.PullRequest == nil {
			return 0, false
		}
		return d.PullRequest.Number, true
	}
}

// extractFeedback turns a delivery into a single relayable feedback item.
// Bot-authored content is skipped to keep workers from replying to themselves.
func extractFeedback(event string, d *webhookDelivery) (models.FeedbackItem, string, bool) {
	switch event {
	case "pull_request_review":
		if d.Action != "submitted" || d.Review == nil || d.Review.Body == "" || d.Review.User.isBot() {
			return models.FeedbackItem{}, "", false
		}
		return models.FeedbackItem{
			Author: d.Review.User.Login,
			Body:   d.Review.Body,
		}, "review", true

	case "pull_request_review_comment":
		if d.Action != "created" || d.Comment == nil || d.Comment.User.isBot() {
			return models.FeedbackItem{}, "", false
		}
		return models.FeedbackItem{
			Author:    d.Comment.User.Login,
			Body:      d.Comment.Body,
			Path:      d.Comment.Path,
			Line:      d.Comment.Line,
			CommentID: d.Comment.ID,
		}, "review_comment", true

	case "issue_comment":
		if d.Action != "created" || d.Comment == nil || d.Comment.User.isBot() {
			return models.FeedbackItem{}, "", false
		}
		return models.FeedbackItem{
			Author:    d.Comment.User.Login,
			Body:      d.Comment.Body,
			CommentID: d.Comment.ID,
		}, "issue_comment", true
	}
	return models.FeedbackItem{}, "", false
}

// feedbackCallback receives the worker's response events for one feedback
// round, keyed by the synthetic session id the relay minted.
func (h *PRWebhookHandler) feedbackCallback(repo string, prNumber int) services.EventCallback {
	return func(ev *models.SessionEvent) {
		switch ev.Type {
		case models.EventPrFeedbackAddressed:
			summary := ""
			if ev.FeedbackAddressed != nil {
				summary = ev.FeedbackAddressed.Summary
			}
			h.subscriptions.Touch(repo, prNumber)
			log.Printf("[WEBHOOK] Feedback addressed for %s#%d: %s", repo, prNumber, summary)
		case models.EventError:
			msg := ""
			if ev.Error != nil {
				msg = ev.Error.Message
			}
			log.Printf("⚠️ [WEBHOOK] Feedback round for %s#%d failed: %s", repo, prNumber, msg)
		}
	}
}

func (h *PRWebhookHandler) signatureValid(header string, body []byte) bool {
	if len(h.secret) == 0 {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// allow checks the per-repository limiter, creating it on first delivery.
func (h *PRWebhookHandler) allow(repo string) bool {
	key := strings.ToLower(repo)
	v, ok := h.limiters.Load(key)
	if !ok {
		limiter := rate.NewLimiter(rate.Every(h.rateWindow/time.Duration(h.rateLimit)), h.rateLimit)
		v, _ = h.limiters.LoadOrStore(key, limiter)
	}
	return v.(*rate.Limiter).Allow()
}
