// Package risk maps a proposed step to the confirmation tier governing
// how much approval it needs before execution. Classification is a pure
// function of the tool definition, the parameters, and session context:
// no network, no session mutation.
package risk

import (
	"strings"

	contractx "github.com/jirayu/concierge/agent/contract"
	statex "github.com/jirayu/concierge/agent/state"
)

type Config struct {
	// RecipientThreshold is the recipient count at and above which an
	// action always demands a detailed confirmation.
	RecipientThreshold int `envconfig:"RECIPIENT_THRESHOLD" split_words:"true" default:"10"`
	// ConfidenceFloor is the plan confidence below which every step's
	// tier is raised one level.
	ConfidenceFloor float64 `envconfig:"CONFIDENCE_FLOOR" split_words:"true" default:"0.6"`
}

type Classifier struct {
	cfg Config
}

func New(cfg Config) Classifier {
	if cfg.RecipientThreshold <= 0 {
		cfg.RecipientThreshold = 10
	}
	return Classifier{cfg: cfg}
}

// Classify applies the rule order, first match wins, default detailed.
// The tool's declared default tier is a floor: the result may be raised
// above it but never lowered below it.
func (c Classifier) Classify(def *contractx.ToolDefinition, params map[string]any, sess *statex.Session) statex.RiskTier {
	tier := c.classify(def, params, sess)
	return tier.Max(def.DefaultTier)
}

func (c Classifier) classify(def *contractx.ToolDefinition, params map[string]any, sess *statex.Session) statex.RiskTier {
	if !def.Mutating {
		return statex.TierAuto
	}

	recipients := Recipients(def, params)

	if len(recipients) == 1 && sess != nil && sess.KnowsRecipient(recipients[0]) {
		return statex.TierPreview
	}
	if len(recipients) >= c.cfg.RecipientThreshold {
		return statex.TierDetailed
	}
	if def.Financial {
		return statex.TierDetailed
	}

	// First-time recipients and the unmatched default resolve to
	// detailed as well.
	return statex.TierDetailed
}

// ClassifyPlan tags every step and applies the low-confidence raise.
func (c Classifier) ClassifyPlan(p *statex.Plan, defs map[string]*contractx.ToolDefinition, sess *statex.Session) {
	raise := p.Confidence < c.cfg.ConfidenceFloor
	for _, step := range p.Steps {
		def, ok := defs[step.Tool]
		if !ok {
			step.Tier = statex.TierDetailed
			continue
		}
		step.Tier = c.Classify(def, step.Params, sess)
		if raise {
			step.Tier = step.Tier.Raised()
		}
	}
}

// Recipients extracts the target addresses from the parameter named by
// the tool definition. Late-binding references count as one unresolved
// (hence first-time) recipient.
func Recipients(def *contractx.ToolDefinition, params map[string]any) []string {
	if def.RecipientsParam == "" {
		return nil
	}
	raw, ok := params[def.RecipientsParam]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
