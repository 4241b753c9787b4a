package state

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RiskTier string

const (
	TierAuto     RiskTier = "auto"
	TierPreview  RiskTier = "preview"
	TierDetailed RiskTier = "detailed"
)

var tierRank = map[RiskTier]int{
	TierAuto:     0,
	TierPreview:  1,
	TierDetailed: 2,
}

// Raised returns the next stricter tier. TierDetailed stays put.
func (t RiskTier) Raised() RiskTier {
	switch t {
	case TierAuto:
		return TierPreview
	case TierPreview:
		return TierDetailed
	default:
		return TierDetailed
	}
}

// Max returns the stricter of the two tiers. A tool's declared default
// tier is a floor: classification may raise it but never lower it.
func (t RiskTier) Max(other RiskTier) RiskTier {
	if tierRank[other] > tierRank[t] {
		return other
	}
	return t
}

type PlanStatus string

const (
	PlanDraft      PlanStatus = "draft"
	PlanAwaiting   PlanStatus = "awaiting_confirmation"
	PlanApproved   PlanStatus = "approved"
	PlanPartial    PlanStatus = "partially_executed"
	PlanExecuted   PlanStatus = "executed"
	PlanRejected   PlanStatus = "rejected"
	PlanExpired    PlanStatus = "expired"
	PlanSuperseded PlanStatus = "superseded"
)

// Terminal reports whether the plan can no longer progress.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanPartial, PlanExecuted, PlanRejected, PlanExpired, PlanSuperseded:
		return true
	}
	return false
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepApproved  StepStatus = "approved"
	StepRejected  StepStatus = "rejected"
	StepExecuting StepStatus = "executing"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepTimedOut  StepStatus = "timed_out"
)

// ExecutionResult is recorded on a step once it has been attempted.
// FailedRecipients names targets a fan-out step could not reach even
// though the step as a whole went through; a step carrying any keeps
// the plan out of the fully-executed status.
type ExecutionResult struct {
	StepID           string         `json:"step_id"`
	Success          bool           `json:"success"`
	Payload          map[string]any `json:"payload,omitempty"`
	Error            string         `json:"error,omitempty"`
	FailedRecipients []string       `json:"failed_recipients,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Retries          int            `json:"retries"`
}

// Step is one proposed tool invocation within a plan.
type Step struct {
	ID        string           `json:"id"`
	Tool      string           `json:"tool"`
	Params    map[string]any   `json:"params,omitempty"`
	DependsOn []string         `json:"depends_on,omitempty"`
	Tier      RiskTier         `json:"tier"`
	Status    StepStatus       `json:"status"`
	DedupKey  string           `json:"dedup_key,omitempty"`
	Result    *ExecutionResult `json:"result,omitempty"`
}

// Plan is an ordered set of proposed tool invocations generated from one
// user request. Immutable once it leaves draft, except via an explicit
// new version created on a modify response.
type Plan struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Version    int        `json:"version"`
	Status     PlanStatus `json:"status"`
	Request    string     `json:"request"`
	Steps      []*Step    `json:"steps"`
	Confidence float64    `json:"confidence"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

var (
	ErrStepNotFound    = errors.New("step not found")
	ErrEmptyPlan       = errors.New("plan has no steps")
	ErrDanglingDep     = errors.New("step depends on unknown step")
	ErrDependencyCycle = errors.New("step dependencies form a cycle")
)

func NewPlan(sessionID, request string, now time.Time) *Plan {
	return &Plan{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Version:   1,
		Status:    PlanDraft,
		Request:   strings.TrimSpace(request),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

func (p *Plan) Touch(now time.Time) {
	p.UpdatedAt = now.UTC()
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (*Step, bool) {
	for _, s := range p.Steps {
		if s != nil && s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// AutoOnly reports whether every step carries the auto tier, in which
// case the plan bypasses confirmation entirely.
func (p *Plan) AutoOnly() bool {
	for _, s := range p.Steps {
		if s.Tier != TierAuto {
			return false
		}
	}
	return len(p.Steps) > 0
}

// Dependents returns ids of steps that (transitively) depend on stepID.
func (p *Plan) Dependents(stepID string) []string {
	marked := map[string]bool{stepID: true}
	changed := true
	for changed {
		changed = false
		for _, s := range p.Steps {
			if marked[s.ID] {
				continue
			}
			for _, dep := range s.DependsOn {
				if marked[dep] {
					marked[s.ID] = true
					changed = true
					break
				}
			}
		}
	}
	delete(marked, stepID)
	out := make([]string, 0, len(marked))
	for _, s := range p.Steps {
		if marked[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// Validate checks structural integrity: non-empty, unique step ids,
// dependency edges that resolve within the plan, and no cycles.
func (p *Plan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return ErrEmptyPlan
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s == nil || strings.TrimSpace(s.ID) == "" {
			return errors.New("step id is empty")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id=%s", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: step=%s dep=%s", ErrDanglingDep, s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("%w: step=%s depends on itself", ErrDependencyCycle, s.ID)
			}
		}
	}
	return p.checkAcyclic()
}

func (p *Plan) checkAcyclic() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(p.Steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return fmt.Errorf("%w: at step=%s", ErrDependencyCycle, id)
		case black:
			return nil
		}
		color[id] = grey
		if s, ok := p.Step(id); ok {
			for _, dep := range s.DependsOn {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range p.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Finalize derives the terminal plan status from step outcomes. A plan
// is never reported fully executed if any step failed, was skipped, or
// timed out, or if a succeeded step left some of its recipients
// unreached.
func (p *Plan) Finalize(now time.Time) {
	clean := true
	for _, s := range p.Steps {
		if s.Status != StepSucceeded {
			clean = false
			break
		}
		if s.Result != nil && len(s.Result.FailedRecipients) > 0 {
			clean = false
			break
		}
	}
	if clean {
		p.Status = PlanExecuted
	} else {
		p.Status = PlanPartial
	}
	p.Touch(now)
}

func NewStepID() string {
	return uuid.NewString()
}
