package services

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"foreman/internal/config"
	"foreman/internal/models"
)

type proxyFixture struct {
	registry *WorkerRegistry
	router   *SessionRouter
	store    *SessionStore
	subs     *PRSubscriptionRegistry
	proxy    *WorkerProxy
}

func newProxyFixture() *proxyFixture {
	registry := NewWorkerRegistry(time.Minute, nil)
	router := NewSessionRouter(registry, time.Minute)
	store := NewSessionStore(time.Hour, nil)
	subs := NewPRSubscriptionRegistry()
	proxy := NewWorkerProxy(registry, router, store, subs, config.ModelRouting{
		Interview: "model-deep",
		Build:     "model-fast",
		Review:    "model-deep",
	})
	return &proxyFixture{registry: registry, router: router, store: store, subs: subs, proxy: proxy}
}

func (f *proxyFixture) addWorker(id, connID string) chan models.ServerFrame {
	ch := make(chan models.ServerFrame, 16)
	f.registry.Register(&models.RegisterPayload{
		WorkerID: id,
		APIToken: "test-token",
	}, connID, ch)
	return ch
}

func drainFrame(t *testing.T, ch chan models.ServerFrame) models.ServerFrame {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return models.ServerFrame{}
	}
}

func rawEvent(t *testing.T, sessionID, eventType string, payload interface{}) *models.EventPayload {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal event payload: %v", err)
	}
	return &models.EventPayload{
		SessionID: sessionID,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now(),
	}
}

func TestStartInterviewSendsRoutedModel(t *testing.T) {
	f := newProxyFixture()
	ch := f.addWorker("w1", "conn-a")

	f.store.Create("s1", "C1", "1.1", "U1", models.ModeBuild)
	a, pos, err := f.proxy.StartInterview(&StartRequest{
		SessionID:     "s1",
		Channel:       "C1",
		ThreadTS:      "1.1",
		InitiatorID:   "U1",
		InitialPrompt: "build the thing",
		Mode:          models.ModeBuild,
	}, func(*models.SessionEvent) {}, false)
	if err != nil || pos != 0 {
		t.Fatalf("StartInterview = %v, pos %d", err, pos)
	}
	if a.WorkerID != "w1" {
		t.Fatalf("assigned worker = %s", a.WorkerID)
	}

	frame := drainFrame(t, ch)
	if frame.Type != models.FrameStartInterview {
		t.Fatalf("frame type = %s", frame.Type)
	}
	payload, ok := frame.Payload.(models.StartInterviewPayload)
	if !ok {
		t.Fatalf("payload type %T", frame.Payload)
	}
	if payload.Model != "model-fast" {
		t.Fatalf("model = %s, want model-fast for build mode", payload.Model)
	}
	if payload.Mode != "build" || payload.SessionID != "s1" {
		t.Fatalf("payload = %+v", payload)
	}

	rec, _ := f.store.Get("s1")
	if rec.OriginalWorker != "w1" {
		t.Fatal("original worker not recorded")
	}
}

func TestStartInterviewQueuesAndStartsOnPromotion(t *testing.T) {
	f := newProxyFixture()

	f.store.Create("s1", "C1", "1.1", "U1", models.ModeInterview)
	events := make(chan *models.SessionEvent, 4)
	a, pos, err := f.proxy.StartInterview(&StartRequest{
		SessionID: "s1", Mode: models.ModeInterview,
	}, func(ev *models.SessionEvent) { events <- ev }, true)
	if err != nil || a != nil || pos != 1 {
		t.Fatalf("expected queue position 1, got a=%v pos=%d err=%v", a, pos, err)
	}

	ch := f.addWorker("w1", "conn-a")
	frame := drainFrame(t, ch)
	if frame.Type != models.FrameStartInterview {
		t.Fatalf("promotion should deliver start frame, got %s", frame.Type)
	}
}

func TestEventLifecycle(t *testing.T) {
	f := newProxyFixture()
	ch := f.addWorker("w1", "conn-a")

	f.store.Create("s1", "C1", "1.1", "U1", models.ModeInterview)
	events := make(chan *models.SessionEvent, 16)
	if _, _, err := f.proxy.StartInterview(&StartRequest{
		SessionID: "s1", Mode: models.ModeInterview,
	}, func(ev *models.SessionEvent) { events <- ev }, false); err != nil {
		t.Fatalf("StartInterview: %v", err)
	}
	drainFrame(t, ch)

	f.proxy.HandleWorkerEvent("w1", rawEvent(t, "s1", models.EventSessionStarted,
		models.SessionStartedPayload{ClaudeSessionID: "claude-abc"}))
	f.proxy.HandleWorkerEvent("w1", rawEvent(t, "s1", models.EventQuestion,
		models.QuestionPayload{Data: models.QuestionData{ToolUseID: "q1"}}))

	rec, _ := f.store.Get("s1")
	if rec.ClaudeSessionID != "claude-abc" {
		t.Fatal("resume id not captured from session_started")
	}
	if rec.PendingQuestion == nil || rec.PendingQuestion.ToolUseID != "q1" {
		t.Fatal("question event should set the pending question")
	}

	// Answer flows back over the wire and clears the question
	if !f.proxy.SendAnswer("s1", "q1", map[string]string{"a": "b"}) {
		t.Fatal("SendAnswer failed")
	}
	if frame := drainFrame(t, ch); frame.Type != models.FrameAnswer {
		t.Fatalf("frame type = %s, want answer", frame.Type)
	}

	// Terminal event releases the worker and closes the record
	f.proxy.HandleWorkerEvent("w1", rawEvent(t, "s1", models.EventComplete, nil))
	if f.router.HasActiveSession("s1") {
		t.Fatal("complete event must unassign the session")
	}
	rec, _ = f.store.Get("s1")
	if !rec.Closed || rec.Phase != models.PhaseCompleted {
		t.Fatalf("record = phase %s closed %v", rec.Phase, rec.Closed)
	}

	w, _ := f.registry.Get("w1")
	if w.Status != models.WorkerStatusReady {
		t.Fatal("worker should be ready again")
	}

	// Exactly the three forwarded events
	for i := 0; i < 3; i++ {
		select {
		case <-events:
		default:
			t.Fatalf("expected 3 callback events, got %d", i)
		}
	}
}

func TestEventForUnknownSessionDropped(t *testing.T) {
	f := newProxyFixture()
	f.addWorker("w1", "conn-a")

	// Must not panic or create state
	f.proxy.HandleWorkerEvent("w1", rawEvent(t, "ghost", models.EventText,
		models.TextPayload{Content: "hello"}))
	if _, ok := f.store.Get("ghost"); ok {
		t.Fatal("dropped event must not create a session")
	}
}

func TestResumeOnOriginalWorker(t *testing.T) {
	f := newProxyFixture()
	ch := f.addWorker("w1", "conn-a")

	f.store.Create("s1", "C1", "1.1", "U1", models.ModeInterview)
	if _, _, err := f.proxy.StartInterview(&StartRequest{
		SessionID: "s1", Mode: models.ModeInterview,
	}, func(*models.SessionEvent) {}, false); err != nil {
		t.Fatalf("StartInterview: %v", err)
	}
	drainFrame(t, ch)
	f.proxy.HandleWorkerEvent("w1", rawEvent(t, "s1", models.EventSessionStarted,
		models.SessionStartedPayload{ClaudeSessionID: "claude-abc"}))

	// Worker drops and comes back; the session lost its assignment
	f.registry.Unregister("w1", ReasonConnectionClosed)
	ch = f.addWorker("w1", "conn-b")

	a, resumed, err := f.proxy.ResumeSession(&StartRequest{
		SessionID: "s1", Mode: models.ModeInterview,
	}, func(*models.SessionEvent) {})
	if err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if !resumed || a.WorkerID != "w1" {
		t.Fatalf("expected true resume on w1, got resumed=%v worker=%s", resumed, a.WorkerID)
	}
	frame := drainFrame(t, ch)
	payload := frame.Payload.(models.StartInterviewPayload)
	if payload.ClaudeSessionID != "claude-abc" {
		t.Fatal("resume must carry the captured execution session id")
	}
}

func TestResumeFallsBackToRestart(t *testing.T) {
	f := newProxyFixture()
	ch := f.addWorker("w1", "conn-a")

	f.store.Create("s1", "C1", "1.1", "U1", models.ModeInterview)
	if _, _, err := f.proxy.StartInterview(&StartRequest{
		SessionID: "s1", Mode: models.ModeInterview,
	}, func(*models.SessionEvent) {}, false); err != nil {
		t.Fatalf("StartInterview: %v", err)
	}
	drainFrame(t, ch)
	f.proxy.HandleWorkerEvent("w1", rawEvent(t, "s1", models.EventSessionStarted,
		models.SessionStartedPayload{ClaudeSessionID: "claude-abc"}))

	// Original worker gone for good; a different worker picks it up
	f.registry.Unregister("w1", ReasonConnectionClosed)
	ch2 := f.addWorker("w2", "conn-b")

	a, resumed, err := f.proxy.ResumeSession(&StartRequest{
		SessionID: "s1", Mode: models.ModeInterview,
	}, func(*models.SessionEvent) {})
	if err != nil {
		t.Fatalf("ResumeSession: %v", err)
	}
	if resumed || a.WorkerID != "w2" {
		t.Fatalf("expected restart on w2, got resumed=%v worker=%s", resumed, a.WorkerID)
	}
	payload := drainFrame(t, ch2).Payload.(models.StartInterviewPayload)
	if payload.ClaudeSessionID != "" {
		t.Fatal("restart must not carry a resume id")
	}
}

func TestResumeWithNoWorkersLeavesRecordClosed(t *testing.T) {
	f := newProxyFixture()
	f.store.Create("s1", "C1", "1.1", "U1", models.ModeInterview)
	f.store.Close("s1", models.PhaseError, "worker lost")

	_, _, err := f.proxy.ResumeSession(&StartRequest{
		SessionID: "s1", Mode: models.ModeInterview,
	}, func(*models.SessionEvent) {})
	if !errors.Is(err, ErrNoWorkers) {
		t.Fatalf("err = %v, want ErrNoWorkers", err)
	}

	rec, _ := f.store.Get("s1")
	if !rec.Closed {
		t.Fatal("failed placement must not reopen the record")
	}
}

func TestPrCreatedRegistersSubscription(t *testing.T) {
	f := newProxyFixture()
	ch := f.addWorker("w1", "conn-a")

	f.store.Create("s1", "C1", "1.1", "U1", models.ModeBuild)
	if _, _, err := f.proxy.StartInterview(&StartRequest{
		SessionID: "s1", Mode: models.ModeBuild,
	}, func(*models.SessionEvent) {}, false); err != nil {
		t.Fatalf("StartInterview: %v", err)
	}
	drainFrame(t, ch)

	f.proxy.HandleWorkerEvent("w1", rawEvent(t, "s1", models.EventSessionStarted,
		models.SessionStartedPayload{ClaudeSessionID: "claude-abc"}))
	f.proxy.HandleWorkerEvent("w1", rawEvent(t, "s1", models.EventPrCreated,
		models.PrCreatedPayload{URL: "https://github.com/acme/widgets/pull/42"}))

	sub, ok := f.subs.Get("acme/widgets", 42)
	if !ok {
		t.Fatal("pr_created should register a subscription")
	}
	if sub.WorkerID != "w1" || sub.ClaudeSessionID != "claude-abc" {
		t.Fatalf("subscription = %+v", sub)
	}
	rec, _ := f.store.Get("s1")
	if rec.PrURL != "https://github.com/acme/widgets/pull/42" {
		t.Fatal("PR URL not recorded on the session")
	}
}

func TestWorkerLossSurfacesError(t *testing.T) {
	f := newProxyFixture()
	ch := f.addWorker("w1", "conn-a")

	f.store.Create("s1", "C1", "1.1", "U1", models.ModeInterview)
	events := make(chan *models.SessionEvent, 4)
	if _, _, err := f.proxy.StartInterview(&StartRequest{
		SessionID: "s1", Mode: models.ModeInterview,
	}, func(ev *models.SessionEvent) { events <- ev }, false); err != nil {
		t.Fatalf("StartInterview: %v", err)
	}
	drainFrame(t, ch)

	f.registry.Unregister("w1", ReasonHeartbeatTimeout)

	select {
	case ev := <-events:
		if ev.Type != models.EventError || ev.Error == nil {
			t.Fatalf("expected error event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("worker loss never surfaced to the session callback")
	}
	rec, _ := f.store.Get("s1")
	if rec.Phase != models.PhaseError || !rec.Closed {
		t.Fatalf("record = phase %s closed %v", rec.Phase, rec.Closed)
	}
}

func TestIsSessionOrphaned(t *testing.T) {
	f := newProxyFixture()

	f.store.Create("s1", "C1", "1.1", "U1", models.ModeInterview)
	if !f.proxy.IsSessionOrphaned("s1") {
		t.Fatal("open session with no assignment should be orphaned")
	}

	ch := f.addWorker("w1", "conn-a")
	if _, _, err := f.proxy.StartInterview(&StartRequest{
		SessionID: "s1", Mode: models.ModeInterview,
	}, func(*models.SessionEvent) {}, false); err != nil {
		t.Fatalf("StartInterview: %v", err)
	}
	drainFrame(t, ch)
	if f.proxy.IsSessionOrphaned("s1") {
		t.Fatal("assigned session is not orphaned")
	}

	f.store.Close("s1", models.PhaseCompleted, "done")
	f.router.UnassignSession("s1", "session complete")
	if f.proxy.IsSessionOrphaned("s1") {
		t.Fatal("closed session is not orphaned")
	}
	if f.proxy.IsSessionOrphaned("nope") {
		t.Fatal("unknown session is not orphaned")
	}
}

func TestCancelQueuedSession(t *testing.T) {
	f := newProxyFixture()

	f.store.Create("s1", "C1", "1.1", "U1", models.ModeInterview)
	if _, pos, err := f.proxy.StartInterview(&StartRequest{
		SessionID: "s1", Mode: models.ModeInterview,
	}, func(*models.SessionEvent) {}, true); err != nil || pos != 1 {
		t.Fatalf("expected queued, got pos=%d err=%v", pos, err)
	}

	if !f.proxy.CancelSession("s1", "user aborted") {
		t.Fatal("cancelling a queued session should succeed")
	}
	if f.router.QueueLength() != 0 {
		t.Fatal("cancel must remove the queue entry")
	}
}

func TestSendPrFeedback(t *testing.T) {
	f := newProxyFixture()
	ch := f.addWorker("w1", "conn-a")

	syntheticID, err := f.proxy.SendPrFeedback("w1", &models.PrFeedbackPayload{
		PrURL:        "https://github.com/acme/widgets/pull/42",
		PrNumber:     42,
		Repo:         "acme/widgets",
		FeedbackType: "review_comment",
		Feedback:     []models.FeedbackItem{{Author: "reviewer", Body: "nit: rename this"}},
	}, nil)
	if err != nil {
		t.Fatalf("SendPrFeedback: %v", err)
	}
	if syntheticID == "" {
		t.Fatal("expected a synthetic session id")
	}

	frame := drainFrame(t, ch)
	if frame.Type != models.FramePrFeedback {
		t.Fatalf("frame type = %s", frame.Type)
	}
	payload := frame.Payload.(models.PrFeedbackPayload)
	if payload.SessionID != syntheticID || len(payload.Feedback) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
}

func TestSendToVanishedWorker(t *testing.T) {
	f := newProxyFixture()
	if _, err := f.proxy.SendPrFeedback("nobody", &models.PrFeedbackPayload{}, nil); err == nil {
		t.Fatal("sending to a missing worker must fail")
	}
}
