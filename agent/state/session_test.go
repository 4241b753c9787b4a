package state

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func testSession(now time.Time) *Session {
	return NewSession("session-1", "user-1", "chat", now)
}

func TestAppendTurnBoundsHistory(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := testSession(now)
	for i := 0; i < maxTurnHistory+7; i++ {
		s.AppendTurn(TurnUser, fmt.Sprintf("turn %d", i), now)
	}
	if len(s.Turns) != maxTurnHistory {
		t.Fatalf("expected %d turns, got %d", maxTurnHistory, len(s.Turns))
	}
	if s.Turns[0].Text != "turn 7" {
		t.Fatalf("oldest turns must be trimmed, got %q", s.Turns[0].Text)
	}

	recent := s.RecentTurns(3)
	if len(recent) != 3 || recent[2].Text != fmt.Sprintf("turn %d", maxTurnHistory+6) {
		t.Fatalf("unexpected recent turns: %+v", recent)
	}
}

func TestRememberRecipientNormalizes(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := testSession(now)

	s.RememberRecipient("Dana", "  Dana@Example.COM ", now)
	if !s.KnowsRecipient("dana@example.com") {
		t.Fatal("normalized address must be known")
	}
	if !s.KnowsRecipient("DANA@EXAMPLE.COM") {
		t.Fatal("lookup must normalize too")
	}
	if s.KnowsRecipient("other@example.com") {
		t.Fatal("unknown address reported as known")
	}

	s.RememberRecipient("", "dana@example.com", now.Add(time.Hour))
	c := s.Contacts["dana@example.com"]
	if c.Interactions != 2 {
		t.Fatalf("expected 2 interactions, got %d", c.Interactions)
	}
	if c.Name != "Dana" {
		t.Fatalf("name must survive an update without one, got %q", c.Name)
	}
}

func TestSetActivePlanSingleFlight(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := testSession(now)

	first := NewPlan(s.ID, "send mail", now)
	first.Status = PlanAwaiting
	first.Steps = []*Step{{ID: "s1", Tool: "mail.send"}}
	if err := s.SetActivePlan(first); err != nil {
		t.Fatalf("SetActivePlan() error = %v", err)
	}

	second := NewPlan(s.ID, "another", now)
	second.Status = PlanAwaiting
	if err := s.SetActivePlan(second); !errors.Is(err, ErrActivePlanBusy) {
		t.Fatalf("expected ErrActivePlanBusy, got %v", err)
	}

	if _, ok := s.PendingPlan(); !ok {
		t.Fatal("first plan must still be pending")
	}

	if err := s.ClearActivePlan(); err == nil {
		t.Fatal("clearing a non-terminal plan must fail")
	}

	first.Status = PlanRejected
	if err := s.ClearActivePlan(); err != nil {
		t.Fatalf("ClearActivePlan() error = %v", err)
	}
	if err := s.SetActivePlan(second); err != nil {
		t.Fatalf("SetActivePlan() after clear error = %v", err)
	}
}

func TestQueuedRequests(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := testSession(now)

	if _, ok := s.DequeueRequest(); ok {
		t.Fatal("empty queue must not dequeue")
	}

	s.EnqueueRequest("first", now)
	s.EnqueueRequest("second", now.Add(time.Minute))

	head, ok := s.DequeueRequest()
	if !ok || head.Text != "first" {
		t.Fatalf("expected first request, got %+v ok=%v", head, ok)
	}
	head, ok = s.DequeueRequest()
	if !ok || head.Text != "second" {
		t.Fatalf("expected second request, got %+v ok=%v", head, ok)
	}
	if s.Queued != nil {
		t.Fatal("drained queue must be nil")
	}
}

func TestSessionValidate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := testSession(now)
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	s.ActivePlan = NewPlan("other-session", "x", now)
	if err := s.Validate(); err == nil {
		t.Fatal("foreign plan must be rejected")
	}

	s.ActivePlan = NewPlan(s.ID, "x", now)
	s.ActivePlan.Steps = []*Step{{ID: "s1", Tool: "a"}}
	if err := s.Validate(); err == nil {
		t.Fatal("draft plan must not be persisted as active")
	}

	s.ActivePlan.Status = PlanAwaiting
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
