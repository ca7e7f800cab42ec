package handlers

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"foreman/internal/config"
	"foreman/internal/models"
	"foreman/internal/services"
)

const webhookSecret = "test-webhook-secret"

type webhookFixture struct {
	app      *fiber.App
	workerCh chan models.ServerFrame
	subs     *services.PRSubscriptionRegistry
	proxy    *services.WorkerProxy
}

func newWebhookFixture(t *testing.T, rateLimit int) *webhookFixture {
	t.Helper()
	registry := services.NewWorkerRegistry(time.Minute, nil)
	router := services.NewSessionRouter(registry, time.Minute)
	store := services.NewSessionStore(time.Hour, nil)
	subs := services.NewPRSubscriptionRegistry()
	proxy := services.NewWorkerProxy(registry, router, store, subs, config.ModelRouting{})

	workerCh := make(chan models.ServerFrame, 16)
	registry.Register(&models.RegisterPayload{WorkerID: "w1", APIToken: "tok"}, "conn-a", workerCh)

	subs.Subscribe(&models.PRSubscription{
		Repo:            "acme/widgets",
		PrNumber:        42,
		PrURL:           "https://github.com/acme/widgets/pull/42",
		WorkerID:        "w1",
		ClaudeSessionID: "claude-abc",
	})

	handler := NewPRWebhookHandler(subs, proxy, nil, webhookSecret, rateLimit, time.Minute)
	app := fiber.New()
	app.Post("/api/webhooks/github", handler.Handle)
	return &webhookFixture{app: app, workerCh: workerCh, subs: subs, proxy: proxy}
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (f *webhookFixture) deliver(t *testing.T, event string, body []byte, sign bool) int {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/webhooks/github", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if sign {
		req.Header.Set("X-Hub-Signature-256", signBody(body))
	}
	resp, err := f.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

var reviewCommentBody = []byte(`{
	"action": "created",
	"repository": {"full_name": "acme/widgets"},
	"pull_request": {"number": 42, "html_url": "https://github.com/acme/widgets/pull/42"},
	"comment": {
		"id": 9001,
		"body": "this loop never terminates",
		"path": "internal/loop.go",
		"line": 17,
		"user": {"login": "reviewer", "type": "User"}
	}
}`)

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newWebhookFixture(t, 10)
	if code := f.deliver(t, "pull_request_review_comment", reviewCommentBody, false); code != fiber.StatusUnauthorized {
		t.Fatalf("unsigned delivery status = %d, want 401", code)
	}
}

func TestWebhookRelaysReviewComment(t *testing.T) {
	f := newWebhookFixture(t, 10)
	if code := f.deliver(t, "pull_request_review_comment", reviewCommentBody, true); code != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}

	select {
	case frame := <-f.workerCh:
		if frame.Type != models.FramePrFeedback {
			t.Fatalf("frame type = %s", frame.Type)
		}
		payload := frame.Payload.(models.PrFeedbackPayload)
		if payload.ClaudeSessionID != "claude-abc" || payload.FeedbackType != "review_comment" {
			t.Fatalf("payload = %+v", payload)
		}
		if len(payload.Feedback) != 1 || payload.Feedback[0].Path != "internal/loop.go" {
			t.Fatalf("feedback = %+v", payload.Feedback)
		}
	case <-time.After(time.Second):
		t.Fatal("feedback never reached the worker")
	}
}

func TestWebhookFeedbackAddressedRoundTrip(t *testing.T) {
	f := newWebhookFixture(t, 10)
	if code := f.deliver(t, "pull_request_review_comment", reviewCommentBody, true); code != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}

	var sessionID string
	select {
	case frame := <-f.workerCh:
		sessionID = frame.Payload.(models.PrFeedbackPayload).SessionID
	case <-time.After(time.Second):
		t.Fatal("feedback never reached the worker")
	}
	if sessionID == "" {
		t.Fatal("relay must mint a feedback session id")
	}

	before, _ := f.subs.Get("acme/widgets", 42)
	time.Sleep(10 * time.Millisecond)

	f.proxy.HandleWorkerEvent("w1", &models.EventPayload{
		SessionID: sessionID,
		Type:      models.EventPrFeedbackAddressed,
		Payload:   json.RawMessage(`{"prUrl": "https://github.com/acme/widgets/pull/42", "summary": "replies posted"}`),
		Timestamp: time.Now(),
	})

	after, _ := f.subs.Get("acme/widgets", 42)
	if !after.LastFeedback.After(before.LastFeedback) {
		t.Fatal("addressed event should refresh the subscription's feedback time")
	}
}

func TestWebhookUnknownPRDropped(t *testing.T) {
	f := newWebhookFixture(t, 10)
	body := bytes.Replace(reviewCommentBody, []byte(`"number": 42`), []byte(`"number": 99`), 1)
	if code := f.deliver(t, "pull_request_review_comment", body, true); code != fiber.StatusOK {
		t.Fatalf("unknown PR should be acknowledged with 200, got %d", code)
	}
	select {
	case <-f.workerCh:
		t.Fatal("unknown PR must not relay anything")
	default:
	}
}

func TestWebhookSkipsBotComments(t *testing.T) {
	f := newWebhookFixture(t, 10)
	body := bytes.Replace(reviewCommentBody, []byte(`"type": "User"`), []byte(`"type": "Bot"`), 1)
	if code := f.deliver(t, "pull_request_review_comment", body, true); code != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	select {
	case <-f.workerCh:
		t.Fatal("bot comments must not be relayed")
	default:
	}
}

func TestWebhookPRClosedRemovesSubscription(t *testing.T) {
	f := newWebhookFixture(t, 10)
	body := []byte(`{
		"action": "closed",
		"repository": {"full_name": "acme/widgets"},
		"pull_request": {"number": 42, "html_url": "https://github.com/acme/widgets/pull/42", "merged": true}
	}`)
	if code := f.deliver(t, "pull_request", body, true); code != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if _, ok := f.subs.Get("acme/widgets", 42); ok {
		t.Fatal("closed PR should drop its subscription")
	}
}

func TestWebhookPerRepoRateLimit(t *testing.T) {
	f := newWebhookFixture(t, 2)

	for i := 0; i < 2; i++ {
		if code := f.deliver(t, "pull_request_review_comment", reviewCommentBody, true); code != fiber.StatusOK {
			t.Fatalf("delivery %d status = %d, want 200", i, code)
		}
	}
	if code := f.deliver(t, "pull_request_review_comment", reviewCommentBody, true); code != fiber.StatusTooManyRequests {
		t.Fatalf("over-limit delivery status = %d, want 429", code)
	}
}

func TestWebhookPing(t *testing.T) {
	f := newWebhookFixture(t, 10)
	body := []byte(`{"zen": "Keep it logically awesome."}`)
	if code := f.deliver(t, "ping", body, true); code != fiber.StatusOK {
		t.Fatalf("ping status = %d, want 200", code)
	}
}
