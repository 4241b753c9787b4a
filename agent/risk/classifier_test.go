package risk

import (
	"testing"
	"time"

	contractx "github.com/jirayu/concierge/agent/contract"
	statex "github.com/jirayu/concierge/agent/state"
)

func sendTool() *contractx.ToolDefinition {
	return &contractx.ToolDefinition{
		Name:            "mail.send",
		Domain:          contractx.DomainMail,
		DefaultTier:     statex.TierAuto,
		Idempotency:     contractx.RetryableWithDedupKey,
		Mutating:        true,
		RecipientsParam: "to",
	}
}

func searchTool() *contractx.ToolDefinition {
	return &contractx.ToolDefinition{
		Name:        "mail.search",
		Domain:      contractx.DomainMail,
		DefaultTier: statex.TierAuto,
		Idempotency: contractx.SafeRetry,
	}
}

func sessionKnowing(addrs ...string) *statex.Session {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := statex.NewSession("session-1", "user-1", "chat", now)
	for _, a := range addrs {
		s.RememberRecipient("", a, now)
	}
	return s
}

func TestClassifyNonMutatingIsAuto(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	got := c.Classify(searchTool(), map[string]any{"query": "invoices"}, sessionKnowing())
	if got != statex.TierAuto {
		t.Fatalf("read-only tool must be auto, got %s", got)
	}
}

func TestClassifyKnownSingleRecipient(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	sess := sessionKnowing("dana@example.com")

	got := c.Classify(sendTool(), map[string]any{"to": []any{"dana@example.com"}}, sess)
	if got != statex.TierPreview {
		t.Fatalf("known single recipient must be preview, got %s", got)
	}
}

func TestClassifyFirstTimeRecipientIsDetailed(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	got := c.Classify(sendTool(), map[string]any{"to": []any{"stranger@example.com"}}, sessionKnowing())
	if got != statex.TierDetailed {
		t.Fatalf("first-time recipient must be detailed, got %s", got)
	}
}

func TestClassifyRecipientThreshold(t *testing.T) {
	t.Parallel()

	c := New(Config{RecipientThreshold: 3})
	sess := sessionKnowing("a@x.com", "b@x.com", "c@x.com")

	many := map[string]any{"to": []any{"a@x.com", "b@x.com", "c@x.com"}}
	if got := c.Classify(sendTool(), many, sess); got != statex.TierDetailed {
		t.Fatalf("recipient count at threshold must be detailed, got %s", got)
	}
}

func TestClassifyFinancialIsDetailed(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	def := sendTool()
	def.Name = "chat.request_payment"
	def.Financial = true

	got := c.Classify(def, map[string]any{"to": []any{"stranger@example.com"}}, sessionKnowing())
	if got != statex.TierDetailed {
		t.Fatalf("financially sensitive action must be detailed, got %s", got)
	}
}

func TestClassifyDefaultTierIsFloor(t *testing.T) {
	t.Parallel()

	c := New(Config{})
	def := searchTool()
	def.DefaultTier = statex.TierPreview

	got := c.Classify(def, map[string]any{"query": "x"}, sessionKnowing())
	if got != statex.TierPreview {
		t.Fatalf("declared default must floor the result, got %s", got)
	}
}

func TestClassifyPlanLowConfidenceRaisesTiers(t *testing.T) {
	t.Parallel()

	c := New(Config{ConfidenceFloor: 0.6})
	sess := sessionKnowing("dana@example.com")
	defs := map[string]*contractx.ToolDefinition{
		"mail.search": searchTool(),
		"mail.send":   sendTool(),
	}

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := statex.NewPlan(sess.ID, "send dana the report", now)
	p.Confidence = 0.4
	p.Steps = []*statex.Step{
		{ID: "s1", Tool: "mail.search", Params: map[string]any{"query": "report"}},
		{ID: "s2", Tool: "mail.send", Params: map[string]any{"to": []any{"dana@example.com"}}, DependsOn: []string{"s1"}},
	}

	c.ClassifyPlan(p, defs, sess)
	if p.Steps[0].Tier != statex.TierPreview {
		t.Fatalf("low confidence must raise auto to preview, got %s", p.Steps[0].Tier)
	}
	if p.Steps[1].Tier != statex.TierDetailed {
		t.Fatalf("low confidence must raise preview to detailed, got %s", p.Steps[1].Tier)
	}

	p.Confidence = 0.9
	c.ClassifyPlan(p, defs, sess)
	if p.Steps[0].Tier != statex.TierAuto || p.Steps[1].Tier != statex.TierPreview {
		t.Fatalf("confident plan must keep base tiers, got %s/%s", p.Steps[0].Tier, p.Steps[1].Tier)
	}
}

func TestClassifyPlanUnknownToolIsDetailed(t *testing.T) {
	t.Parallel()

	c := New(Config{ConfidenceFloor: 0.6})
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := statex.NewPlan("session-1", "mystery", now)
	p.Confidence = 0.9
	p.Steps = []*statex.Step{{ID: "s1", Tool: "ghost.tool"}}

	c.ClassifyPlan(p, map[string]*contractx.ToolDefinition{}, nil)
	if p.Steps[0].Tier != statex.TierDetailed {
		t.Fatalf("unknown tool must be detailed, got %s", p.Steps[0].Tier)
	}
}

func TestRecipientsExtraction(t *testing.T) {
	t.Parallel()

	def := sendTool()

	if got := Recipients(def, map[string]any{"to": "dana@example.com"}); len(got) != 1 || got[0] != "dana@example.com" {
		t.Fatalf("string recipient: %v", got)
	}
	if got := Recipients(def, map[string]any{"to": []string{"a@x.com", "b@x.com"}}); len(got) != 2 {
		t.Fatalf("string slice recipients: %v", got)
	}
	if got := Recipients(def, map[string]any{"to": []any{"a@x.com", "b@x.com", "c@x.com"}}); len(got) != 3 {
		t.Fatalf("any slice recipients: %v", got)
	}
	if got := Recipients(searchTool(), map[string]any{}); got != nil {
		t.Fatalf("no recipients param must yield nil, got %v", got)
	}
}
