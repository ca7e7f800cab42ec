package services

import (
	"testing"
	"time"

	"foreman/internal/models"
)

func TestSessionPhaseForwardOnly(t *testing.T) {
	s := NewSessionStore(time.Hour, nil)
	s.Create("s1", "C1", "123.45", "U1", models.ModeInterview)

	if err := s.SetPhase("s1", models.PhaseScope); err != nil {
		t.Fatalf("problem -> scope: %v", err)
	}
	if err := s.SetPhase("s1", models.PhaseProblem); err == nil {
		t.Fatal("backward transition must be rejected")
	}
	rec, _ := s.Get("s1")
	if rec.Phase != models.PhaseScope {
		t.Fatalf("phase = %s, want scope", rec.Phase)
	}
}

func TestPendingQuestionOverwrite(t *testing.T) {
	s := NewSessionStore(time.Hour, nil)
	s.Create("s1", "C1", "123.45", "U1", models.ModeInterview)

	s.SetQuestion("s1", models.QuestionData{ToolUseID: "q1", Header: "first"})
	s.SetQuestion("s1", models.QuestionData{ToolUseID: "q2", Header: "second"})

	q, ok := s.PendingQuestion("s1")
	if !ok || q.ToolUseID != "q2" {
		t.Fatalf("pending question = %v, want q2", q)
	}

	s.RecordAnswers("s1", map[string]string{"color": "blue"})
	if _, ok := s.PendingQuestion("s1"); ok {
		t.Fatal("answering must clear the pending question")
	}
	rec, _ := s.Get("s1")
	if rec.Answers["color"] != "blue" {
		t.Fatal("answers not recorded")
	}
}

func TestInactivityTimeout(t *testing.T) {
	s := NewSessionStore(60*time.Millisecond, nil)

	timedOut := make(chan string, 1)
	s.OnTimeout(func(id string) { timedOut <- id })

	s.Create("s1", "C1", "123.45", "U1", models.ModeInterview)

	select {
	case id := <-timedOut:
		if id != "s1" {
			t.Fatalf("timed out session = %s, want s1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("inactivity timeout never fired")
	}

	rec, _ := s.Get("s1")
	if rec.Phase != models.PhaseTimedOut || !rec.Closed {
		t.Fatalf("record = phase %s closed %v, want timed_out/closed", rec.Phase, rec.Closed)
	}
}

func TestActivityDefersTimeout(t *testing.T) {
	s := NewSessionStore(100*time.Millisecond, nil)

	timedOut := make(chan string, 1)
	s.OnTimeout(func(id string) { timedOut <- id })

	s.Create("s1", "C1", "123.45", "U1", models.ModeInterview)
	for i := 0; i < 4; i++ {
		time.Sleep(50 * time.Millisecond)
		s.Touch("s1")
	}
	select {
	case <-timedOut:
		t.Fatal("active session must not time out")
	default:
	}
}

func TestCloseRecordsOutcomeOnce(t *testing.T) {
	s := NewSessionStore(time.Hour, nil)

	closes := 0
	s.OnClosed(func(string, models.SessionPhase) { closes++ })

	s.Create("s1", "C1", "123.45", "U1", models.ModeBuild)
	s.Close("s1", models.PhaseCompleted, "done")
	s.Close("s1", models.PhaseError, "should be ignored")

	if closes != 1 {
		t.Fatalf("close fired %d times, want 1", closes)
	}
	rec, _ := s.Get("s1")
	if rec.Phase != models.PhaseCompleted {
		t.Fatalf("phase = %s, want completed", rec.Phase)
	}
}

func TestReapClosed(t *testing.T) {
	s := NewSessionStore(time.Hour, nil)
	s.Create("old", "C1", "1.1", "U1", models.ModeInterview)
	s.Create("fresh", "C1", "2.2", "U1", models.ModeInterview)
	s.Close("old", models.PhaseCompleted, "")

	time.Sleep(10 * time.Millisecond)
	if n := s.ReapClosed(time.Now()); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if _, ok := s.Get("old"); ok {
		t.Fatal("closed session should be reaped")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Fatal("open session must survive the reaper")
	}
}

func TestDetectIntent(t *testing.T) {
	tests := []struct {
		text string
		want models.SessionMode
	}{
		{"", models.ModeGreeting},
		{"hey there", models.ModeGreeting},
		{"hello, can you implement retry logic for the uploader", models.ModeBuild},
		{"please fix the flaky login test", models.ModeBuild},
		{"let's plan the migration to the new queue", models.ModePlan},
		{"review the pr I just opened", models.ModeReview},
		{"our checkout flow drops carts on mobile", models.ModeInterview},
	}
	for _, tt := range tests {
		if got := DetectIntent(tt.text); got != tt.want {
			t.Errorf("DetectIntent(%q) = %s, want %s", tt.text, got, tt.want)
		}
	}
}
