package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	confirmx "github.com/jirayu/concierge/agent/confirm"
	contractx "github.com/jirayu/concierge/agent/contract"
	executorx "github.com/jirayu/concierge/agent/executor"
	nodex "github.com/jirayu/concierge/agent/nodes"
	registryx "github.com/jirayu/concierge/agent/registry"
	riskx "github.com/jirayu/concierge/agent/risk"
	statex "github.com/jirayu/concierge/agent/state"
)

type plannedCall struct {
	utterance    string
	instructions string
}

type fakePlanner struct {
	planResponses []contractx.PlannerResponse
	planErr       error
	planCalls     []plannedCall

	intents      []contractx.ConfirmationIntent
	instructions []string
	parseErr     error
	parseCalls   int
}

func (f *fakePlanner) Plan(ctx context.Context, req contractx.PlannerRequest) (contractx.PlannerResponse, error) {
	f.planCalls = append(f.planCalls, plannedCall{utterance: req.Utterance, instructions: req.Instructions})
	if f.planErr != nil {
		return contractx.PlannerResponse{}, f.planErr
	}
	idx := len(f.planCalls) - 1
	if idx >= len(f.planResponses) {
		return contractx.PlannerResponse{}, fmt.Errorf("no plan response left at call=%d", idx+1)
	}
	return f.planResponses[idx], nil
}

func (f *fakePlanner) ParseConfirmation(ctx context.Context, req contractx.ConfirmationRequest) (contractx.ConfirmationIntent, string, error) {
	f.parseCalls++
	if f.parseErr != nil {
		return "", "", f.parseErr
	}
	idx := f.parseCalls - 1
	if idx >= len(f.intents) {
		return "", "", fmt.Errorf("no intent left at call=%d", f.parseCalls)
	}
	var instr string
	if idx < len(f.instructions) {
		instr = f.instructions[idx]
	}
	return f.intents[idx], instr, nil
}

type mailAgent struct {
	mu     sync.Mutex
	calls  []string
	failTo []string
}

func (f *mailAgent) Domain() contractx.Domain { return contractx.DomainMail }

func (f *mailAgent) DescribeTools() []*contractx.ToolDefinition {
	return []*contractx.ToolDefinition{
		{
			Name:   "mail.search",
			Domain: contractx.DomainMail,
			Params: map[string]*contractx.ParamSpec{
				"query": {Type: contractx.ParamString, Required: true},
			},
			DefaultTier: statex.TierAuto,
			Idempotency: contractx.SafeRetry,
		},
		{
			Name:   "mail.send",
			Domain: contractx.DomainMail,
			Params: map[string]*contractx.ParamSpec{
				"to":   {Type: contractx.ParamArray, Required: true},
				"body": {Type: contractx.ParamString, Required: true},
			},
			DefaultTier:     statex.TierPreview,
			Idempotency:     contractx.RetryableWithDedupKey,
			Mutating:        true,
			RecipientsParam: "to",
		},
	}
}

func (f *mailAgent) Execute(ctx context.Context, tool string, params map[string]any, auth contractx.AuthContext) (*statex.ExecutionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	f.mu.Unlock()
	res := &statex.ExecutionResult{Success: true, Payload: map[string]any{"summary": tool + " ok"}}
	if tool == "mail.send" && len(f.failTo) > 0 {
		res.FailedRecipients = append([]string(nil), f.failTo...)
	}
	return res, nil
}

func (f *mailAgent) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type staticCreds struct{}

func (staticCreds) Token(ctx context.Context, userID string, domain contractx.Domain) (string, error) {
	return "token", nil
}

func searchSteps() []contractx.DraftStep {
	return []contractx.DraftStep{
		{ID: "s1", Tool: "mail.search", Params: map[string]any{"query": "report"}},
	}
}

func sendSteps() []contractx.DraftStep {
	return []contractx.DraftStep{
		{ID: "s1", Tool: "mail.send", Params: map[string]any{
			"to":   []any{"dana@example.com"},
			"body": "here is the report",
		}},
	}
}

func newTestService(t *testing.T, planner contractx.Planner, agent *mailAgent, store statex.Store) *Orchestrator {
	t.Helper()
	reg, err := registryx.New(agent)
	if err != nil {
		t.Fatalf("registry error = %v", err)
	}
	coordinator := confirmx.New(reg, nil, confirmx.Config{StaleAfter: 5 * time.Minute})
	o, err := New(nodex.Deps{
		Store:       store,
		Planner:     planner,
		Registry:    reg,
		Classifier:  riskx.New(riskx.Config{ConfidenceFloor: 0.6}),
		Coordinator: coordinator,
		Executor:    executorx.New(reg, staticCreds{}, nil, executorx.Config{}),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func msg(sessionID, text string, at time.Time) contractx.InboundMessage {
	return contractx.InboundMessage{
		SessionID: sessionID,
		UserID:    "user-1",
		Channel:   "chat",
		Text:      text,
		Timestamp: at,
	}
}

func TestHandleMessageInvalidInput(t *testing.T) {
	t.Parallel()

	o := newTestService(t, &fakePlanner{}, &mailAgent{}, statex.NewMemoryStore())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if _, err := o.HandleMessage(context.Background(), msg("  ", "hello", now)); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if _, err := o.HandleMessage(context.Background(), msg("s1", "   ", now)); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("expected ErrInvalidMessage, got %v", err)
	}
}

func TestAutoOnlyRequestExecutesImmediately(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := statex.NewMemoryStore()
	agent := &mailAgent{}
	planner := &fakePlanner{
		planResponses: []contractx.PlannerResponse{{Steps: searchSteps(), Confidence: 0.9}},
	}
	o := newTestService(t, planner, agent, store)

	out, err := o.HandleMessage(context.Background(), msg("session-1", "find the report", now))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.HasPrefix(out.DisplayText, "Done:") {
		t.Fatalf("read-only request must complete without confirmation: %q", out.DisplayText)
	}
	if got := agent.executed(); len(got) != 1 || got[0] != "mail.search" {
		t.Fatalf("unexpected executions: %v", got)
	}

	sess, err := store.Load(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(sess.Turns) != 2 {
		t.Fatalf("expected user and assistant turns, got %d", len(sess.Turns))
	}
	if sess.ActivePlan != nil {
		t.Fatal("executed plan must be cleared")
	}
}

func TestMutatingRequestWaitsForApproval(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := statex.NewMemoryStore()
	agent := &mailAgent{}
	planner := &fakePlanner{
		planResponses: []contractx.PlannerResponse{{Steps: sendSteps(), Confidence: 0.9}},
		intents:       []contractx.ConfirmationIntent{contractx.IntentApprove},
	}
	o := newTestService(t, planner, agent, store)
	ctx := context.Background()

	out, err := o.HandleMessage(ctx, msg("session-1", "email dana the report", now))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(out.DisplayText, "please confirm") {
		t.Fatalf("mutating request must prompt for confirmation: %q", out.DisplayText)
	}
	if len(out.Preview) != 1 {
		t.Fatalf("expected one preview block, got %d", len(out.Preview))
	}
	if got := agent.executed(); len(got) != 0 {
		t.Fatalf("nothing may execute before approval, got %v", got)
	}

	out, err = o.HandleMessage(ctx, msg("session-1", "yes, go ahead", now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("HandleMessage(approve) error = %v", err)
	}
	if !strings.HasPrefix(out.DisplayText, "Done:") {
		t.Fatalf("approval must execute the plan: %q", out.DisplayText)
	}
	if got := agent.executed(); len(got) != 1 || got[0] != "mail.send" {
		t.Fatalf("unexpected executions: %v", got)
	}

	sess, _ := store.Load(ctx, "session-1")
	if !sess.KnowsRecipient("dana@example.com") {
		t.Fatal("successful send must remember the recipient")
	}
}

func TestRejectionExecutesNothing(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := statex.NewMemoryStore()
	agent := &mailAgent{}
	planner := &fakePlanner{
		planResponses: []contractx.PlannerResponse{{Steps: sendSteps(), Confidence: 0.9}},
		intents:       []contractx.ConfirmationIntent{contractx.IntentReject},
	}
	o := newTestService(t, planner, agent, store)
	ctx := context.Background()

	if _, err := o.HandleMessage(ctx, msg("session-1", "email dana the report", now)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	out, err := o.HandleMessage(ctx, msg("session-1", "no, don't", now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("HandleMessage(reject) error = %v", err)
	}
	if !strings.Contains(out.DisplayText, "won't do that") {
		t.Fatalf("rejection must be acknowledged: %q", out.DisplayText)
	}
	if got := agent.executed(); len(got) != 0 {
		t.Fatalf("rejected plan must execute nothing, got %v", got)
	}

	sess, _ := store.Load(ctx, "session-1")
	if sess.ActivePlan != nil {
		t.Fatal("rejected plan must be cleared")
	}
}

func TestModifyReplansWithInstructions(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := statex.NewMemoryStore()
	agent := &mailAgent{}
	planner := &fakePlanner{
		planResponses: []contractx.PlannerResponse{
			{Steps: sendSteps(), Confidence: 0.9},
			{Steps: sendSteps(), Confidence: 0.9},
		},
		intents:      []contractx.ConfirmationIntent{contractx.IntentModify},
		instructions: []string{"send it tomorrow instead"},
	}
	o := newTestService(t, planner, agent, store)
	ctx := context.Background()

	if _, err := o.HandleMessage(ctx, msg("session-1", "email dana the report", now)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	out, err := o.HandleMessage(ctx, msg("session-1", "yes but tomorrow", now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("HandleMessage(modify) error = %v", err)
	}
	if !strings.Contains(out.DisplayText, "please confirm") {
		t.Fatalf("modification must present a new confirmation: %q", out.DisplayText)
	}
	if got := agent.executed(); len(got) != 0 {
		t.Fatalf("nothing may execute during a re-plan, got %v", got)
	}

	if len(planner.planCalls) != 2 {
		t.Fatalf("expected a second planning call, got %d", len(planner.planCalls))
	}
	if planner.planCalls[1].instructions != "send it tomorrow instead" {
		t.Fatalf("re-plan must carry the instructions, got %q", planner.planCalls[1].instructions)
	}

	sess, _ := store.Load(ctx, "session-1")
	pending, ok := sess.PendingPlan()
	if !ok {
		t.Fatal("re-planned version must be pending")
	}
	if pending.Version != 2 {
		t.Fatalf("successor must be version 2, got %d", pending.Version)
	}
}

func TestUnrelatedRequestQueuesBehindPendingPlan(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := statex.NewMemoryStore()
	agent := &mailAgent{}
	planner := &fakePlanner{
		planResponses: []contractx.PlannerResponse{
			{Steps: sendSteps(), Confidence: 0.9},
			{Steps: searchSteps(), Confidence: 0.9},
		},
		intents: []contractx.ConfirmationIntent{
			contractx.IntentUnrelated,
			contractx.IntentApprove,
		},
	}
	o := newTestService(t, planner, agent, store)
	ctx := context.Background()

	if _, err := o.HandleMessage(ctx, msg("session-1", "email dana the report", now)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	out, err := o.HandleMessage(ctx, msg("session-1", "what meetings tomorrow", now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("HandleMessage(unrelated) error = %v", err)
	}
	if !strings.Contains(out.DisplayText, "right after you decide") {
		t.Fatalf("unrelated request must be parked, got %q", out.DisplayText)
	}
	if got := agent.executed(); len(got) != 0 {
		t.Fatalf("nothing may execute yet, got %v", got)
	}

	out, err = o.HandleMessage(ctx, msg("session-1", "yes", now.Add(2*time.Minute)))
	if err != nil {
		t.Fatalf("HandleMessage(approve) error = %v", err)
	}
	if !strings.Contains(out.DisplayText, "earlier request") {
		t.Fatalf("queued request must be replayed after resolution: %q", out.DisplayText)
	}
	got := agent.executed()
	if len(got) != 2 || got[0] != "mail.send" || got[1] != "mail.search" {
		t.Fatalf("expected approved send then replayed search, got %v", got)
	}

	sess, _ := store.Load(ctx, "session-1")
	if len(sess.Queued) != 0 {
		t.Fatalf("queue must be drained, got %d", len(sess.Queued))
	}
}

func TestApprovedSendReportsUnreachedRecipients(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := statex.NewMemoryStore()
	agent := &mailAgent{failTo: []string{"bounce@example.com"}}
	steps := []contractx.DraftStep{
		{ID: "s1", Tool: "mail.send", Params: map[string]any{
			"to":   []any{"dana@example.com", "sam@example.com", "bounce@example.com"},
			"body": "quarterly report attached",
		}},
	}
	planner := &fakePlanner{
		planResponses: []contractx.PlannerResponse{{Steps: steps, Confidence: 0.9}},
		intents:       []contractx.ConfirmationIntent{contractx.IntentApprove},
	}
	o := newTestService(t, planner, agent, store)
	ctx := context.Background()

	if _, err := o.HandleMessage(ctx, msg("session-1", "send the team the report", now)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	out, err := o.HandleMessage(ctx, msg("session-1", "yes", now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("HandleMessage(approve) error = %v", err)
	}
	if !strings.Contains(out.DisplayText, "Partially done") {
		t.Fatalf("a bounced recipient must never read as full success: %q", out.DisplayText)
	}
	if !strings.Contains(out.DisplayText, "could not reach: bounce@example.com") {
		t.Fatalf("bounced recipient must be named: %q", out.DisplayText)
	}

	sess, _ := store.Load(ctx, "session-1")
	if !sess.KnowsRecipient("dana@example.com") || !sess.KnowsRecipient("sam@example.com") {
		t.Fatal("reached recipients must be remembered")
	}
	if sess.KnowsRecipient("bounce@example.com") {
		t.Fatal("a bounced recipient must not be remembered")
	}
	if sess.ActivePlan != nil {
		t.Fatal("partially executed plan must be cleared")
	}
}

func TestStrandedQueueDrainedOnNextMessage(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := statex.NewMemoryStore()
	ctx := context.Background()

	// A prior plan expired away, leaving a parked request behind.
	sess := statex.NewSession("session-1", "user-1", "chat", now)
	sess.EnqueueRequest("list unread messages", now)
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	agent := &mailAgent{}
	planner := &fakePlanner{
		planResponses: []contractx.PlannerResponse{
			{Steps: searchSteps(), Confidence: 0.9},
			{Steps: searchSteps(), Confidence: 0.9},
		},
	}
	o := newTestService(t, planner, agent, store)

	out, err := o.HandleMessage(ctx, msg("session-1", "find the report", now.Add(time.Hour)))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(out.DisplayText, `earlier request ("list unread messages")`) {
		t.Fatalf("stranded request must be replayed: %q", out.DisplayText)
	}
	if got := agent.executed(); len(got) != 2 {
		t.Fatalf("expected the fresh and the replayed search, got %v", got)
	}

	after, _ := store.Load(ctx, "session-1")
	if len(after.Queued) != 0 {
		t.Fatalf("queue must be drained, got %d", len(after.Queued))
	}
}

func TestQueuedRequestSurvivesImplicitRejection(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := statex.NewMemoryStore()
	agent := &mailAgent{}
	planner := &fakePlanner{
		planResponses: []contractx.PlannerResponse{
			{Steps: sendSteps(), Confidence: 0.9},
			{Steps: searchSteps(), Confidence: 0.9},
			{Steps: searchSteps(), Confidence: 0.9},
		},
		intents: []contractx.ConfirmationIntent{
			contractx.IntentUnrelated,
			contractx.IntentUnrelated,
		},
	}
	o := newTestService(t, planner, agent, store)
	ctx := context.Background()

	if _, err := o.HandleMessage(ctx, msg("session-1", "email dana the report", now)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if _, err := o.HandleMessage(ctx, msg("session-1", "list unread messages", now.Add(time.Minute))); err != nil {
		t.Fatalf("HandleMessage(queued) error = %v", err)
	}

	// Past the stale window the unrelated request implicitly rejects the
	// pending plan; the parked request must come back, not vanish.
	out, err := o.HandleMessage(ctx, msg("session-1", "show my schedule", now.Add(10*time.Minute)))
	if err != nil {
		t.Fatalf("HandleMessage(stale) error = %v", err)
	}
	if !strings.Contains(out.DisplayText, `earlier request ("list unread messages")`) {
		t.Fatalf("queued request must be replayed after implicit rejection: %q", out.DisplayText)
	}
	got := agent.executed()
	if len(got) != 2 || got[0] != "mail.search" || got[1] != "mail.search" {
		t.Fatalf("expected the fresh and the replayed search only, got %v", got)
	}

	sess, _ := store.Load(ctx, "session-1")
	if len(sess.Queued) != 0 {
		t.Fatalf("queue must be drained, got %d", len(sess.Queued))
	}
	if sess.ActivePlan != nil {
		t.Fatal("implicitly rejected plan must be cleared")
	}
}

func TestSessionLocksDoNotAccumulate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	planner := &fakePlanner{
		planResponses: []contractx.PlannerResponse{
			{Steps: searchSteps(), Confidence: 0.9},
			{Steps: searchSteps(), Confidence: 0.9},
		},
	}
	o := newTestService(t, planner, &mailAgent{}, statex.NewMemoryStore())
	ctx := context.Background()

	for i, id := range []string{"session-a", "session-b"} {
		if _, err := o.HandleMessage(ctx, msg(id, "find the report", now.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("HandleMessage(%s) error = %v", id, err)
		}
	}

	o.mu.Lock()
	held := len(o.locks)
	o.mu.Unlock()
	if held != 0 {
		t.Fatalf("lock map must be empty with no message in flight, got %d", held)
	}
}

func TestClarificationQuestionPassedThrough(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	planner := &fakePlanner{
		planResponses: []contractx.PlannerResponse{{Clarification: "Which Alex do you mean?"}},
	}
	o := newTestService(t, planner, &mailAgent{}, statex.NewMemoryStore())

	out, err := o.HandleMessage(context.Background(), msg("session-1", "message alex", now))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if out.DisplayText != "Which Alex do you mean?" {
		t.Fatalf("clarification must pass through verbatim: %q", out.DisplayText)
	}
}

func TestPlanningFailureIsReportedNotExecuted(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	agent := &mailAgent{}
	planner := &fakePlanner{planErr: fmt.Errorf("%w: model unavailable", contractx.ErrPlanningFailure)}
	o := newTestService(t, planner, agent, statex.NewMemoryStore())

	out, err := o.HandleMessage(context.Background(), msg("session-1", "email dana", now))
	if err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if !strings.Contains(out.DisplayText, "haven't done anything") {
		t.Fatalf("planning failure must be reported plainly: %q", out.DisplayText)
	}
	if got := agent.executed(); len(got) != 0 {
		t.Fatalf("planning failure must execute nothing, got %v", got)
	}
}

func TestUninterpretableReplyNeverApproves(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := statex.NewMemoryStore()
	agent := &mailAgent{}
	planner := &fakePlanner{
		planResponses: []contractx.PlannerResponse{{Steps: sendSteps(), Confidence: 0.9}},
		parseErr:      fmt.Errorf("%w: unknown confirmation intent", contractx.ErrSchemaViolation),
	}
	o := newTestService(t, planner, agent, store)
	ctx := context.Background()

	if _, err := o.HandleMessage(ctx, msg("session-1", "email dana the report", now)); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	out, err := o.HandleMessage(ctx, msg("session-1", "hmm banana", now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("HandleMessage(garbled) error = %v", err)
	}
	if !strings.Contains(out.DisplayText, "still waiting") {
		t.Fatalf("garbled reply must re-prompt: %q", out.DisplayText)
	}
	if got := agent.executed(); len(got) != 0 {
		t.Fatalf("garbled reply must never execute, got %v", got)
	}

	sess, _ := store.Load(ctx, "session-1")
	if _, ok := sess.PendingPlan(); !ok {
		t.Fatal("plan must still be pending after a garbled reply")
	}
}
