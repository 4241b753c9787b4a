package planner

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/jirayu/concierge/agent/contract"
	registryx "github.com/jirayu/concierge/agent/registry"
	statex "github.com/jirayu/concierge/agent/state"
)

// ValidateDraft checks a draft against the registry: every referenced
// tool must exist, every parameter set must satisfy its tool's schema,
// and dependency edges must resolve inside the draft without cycles.
// Unknown tools discard the whole draft.
func ValidateDraft(reg *registryx.Registry, steps []contractx.DraftStep) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: draft has no steps and no clarification", contractx.ErrSchemaViolation)
	}

	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: step id is empty", contractx.ErrSchemaViolation)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate step id=%s", contractx.ErrSchemaViolation, s.ID)
		}
		ids[s.ID] = true
	}

	for _, s := range steps {
		def, err := reg.Lookup(s.Tool)
		if err != nil {
			return fmt.Errorf("%w: step=%s tool=%q", contractx.ErrInvalidPlan, s.ID, s.Tool)
		}
		if err := def.ValidateParams(s.Params); err != nil {
			return err
		}
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("%w: step=%s depends on unknown step=%s", contractx.ErrInvalidPlan, s.ID, dep)
			}
		}
	}
	return nil
}

// BuildPlan materializes a validated draft into a plan document. The
// structural invariants (unique ids, resolvable acyclic dependencies)
// are re-checked on the built plan.
func BuildPlan(sessionID string, request string, resp contractx.PlannerResponse, now time.Time) (*statex.Plan, error) {
	p := statex.NewPlan(sessionID, request, now)
	p.Confidence = resp.Confidence
	p.Steps = make([]*statex.Step, 0, len(resp.Steps))
	for _, s := range resp.Steps {
		p.Steps = append(p.Steps, &statex.Step{
			ID:        s.ID,
			Tool:      s.Tool,
			Params:    s.Params,
			DependsOn: append([]string(nil), s.DependsOn...),
			Status:    statex.StepPending,
		})
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrInvalidPlan, err)
	}
	return p, nil
}
