// Package planner translates ambiguous natural-language requests into
// structured, dependency-ordered drafts, and interprets confirmation
// replies. All model output is schema-checked before anything downstream
// sees it; an unresolved reference comes back as a clarification
// question, never a guess.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	contractx "github.com/jirayu/concierge/agent/contract"
	registryx "github.com/jirayu/concierge/agent/registry"
	statex "github.com/jirayu/concierge/agent/state"
)

const historyWindow = 12

type planLLMOutput struct {
	Clarification string     `json:"clarification,omitempty"`
	Confidence    float64    `json:"confidence"`
	Steps         []planStep `json:"steps,omitempty"`
}

type planStep struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

type confirmationLLMOutput struct {
	Intent       string `json:"intent"`
	Instructions string `json:"instructions,omitempty"`
}

// LLMPlanner implements contract.Planner over two structured-output
// model graphs.
type LLMPlanner struct {
	planRunner    compose.Runnable[map[string]any, planLLMOutput]
	confirmRunner compose.Runnable[map[string]any, confirmationLLMOutput]
	registry      *registryx.Registry
	catalog       []map[string]any
}

var _ contractx.Planner = (*LLMPlanner)(nil)

func New(
	ctx context.Context,
	planModel einomodel.BaseChatModel,
	confirmModel einomodel.BaseChatModel,
	planPrompt string,
	confirmPrompt string,
	reg *registryx.Registry,
) (*LLMPlanner, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: registry is required", contractx.ErrValidation)
	}

	planRunner, err := compilePlanGraph(ctx, planModel, planPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}
	confirmRunner, err := compileConfirmationGraph(ctx, confirmModel, confirmPrompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}

	return &LLMPlanner{
		planRunner:    planRunner,
		confirmRunner: confirmRunner,
		registry:      reg,
		catalog:       catalogSummary(reg),
	}, nil
}

// Plan invokes the model once, with a single retry on invoke failure.
// Anything beyond that surfaces as a planning failure for the caller to
// report; it is never silently retried again.
func (p *LLMPlanner) Plan(ctx context.Context, req contractx.PlannerRequest) (contractx.PlannerResponse, error) {
	if strings.TrimSpace(req.Utterance) == "" {
		return contractx.PlannerResponse{}, fmt.Errorf("%w: utterance is required", contractx.ErrValidation)
	}

	payload := map[string]any{
		"utterance":      req.Utterance,
		"history":        summarizeHistory(req.History),
		"known_contacts": req.Contacts,
		"tools":          p.catalog,
	}
	if strings.TrimSpace(req.Instructions) != "" {
		payload["modification_instructions"] = req.Instructions
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return contractx.PlannerResponse{}, fmt.Errorf("%w: marshal planner payload: %v", contractx.ErrValidation, err)
	}

	out, err := invokeWithOneRetry(ctx, p.planRunner, map[string]any{"input": string(input)})
	if err != nil {
		return contractx.PlannerResponse{}, fmt.Errorf("%w: %v", contractx.ErrPlanningFailure, err)
	}

	resp := contractx.PlannerResponse{
		Confidence:    clamp01(out.Confidence),
		Clarification: strings.TrimSpace(out.Clarification),
	}
	if resp.NeedsClarification() {
		return resp, nil
	}

	resp.Steps = make([]contractx.DraftStep, 0, len(out.Steps))
	for i, s := range out.Steps {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			id = fmt.Sprintf("s%d", i+1)
		}
		params := s.Params
		if params == nil {
			params = map[string]any{}
		}
		resp.Steps = append(resp.Steps, contractx.DraftStep{
			ID:        id,
			Tool:      strings.TrimSpace(s.Tool),
			Params:    params,
			DependsOn: s.DependsOn,
		})
	}

	if err := ValidateDraft(p.registry, resp.Steps); err != nil {
		return contractx.PlannerResponse{}, err
	}
	return resp, nil
}

// ParseConfirmation interprets a user reply against the pending plan
// summary.
func (p *LLMPlanner) ParseConfirmation(ctx context.Context, req contractx.ConfirmationRequest) (contractx.ConfirmationIntent, string, error) {
	payload := map[string]any{
		"user_text":    req.UserText,
		"pending_plan": req.PlanSummary,
	}
	input, err := json.Marshal(payload)
	if err != nil {
		return "", "", fmt.Errorf("%w: marshal confirmation payload: %v", contractx.ErrValidation, err)
	}

	out, err := invokeWithOneRetry(ctx, p.confirmRunner, map[string]any{"input": string(input)})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", contractx.ErrModelInvoke, err)
	}

	intent := contractx.ConfirmationIntent(strings.ToLower(strings.TrimSpace(out.Intent)))
	switch intent {
	case contractx.IntentApprove, contractx.IntentReject, contractx.IntentUnrelated:
		return intent, "", nil
	case contractx.IntentModify:
		instructions := strings.TrimSpace(out.Instructions)
		if instructions == "" {
			return "", "", fmt.Errorf("%w: modify intent without instructions", contractx.ErrSchemaViolation)
		}
		return intent, instructions, nil
	default:
		return "", "", fmt.Errorf("%w: unknown confirmation intent=%q", contractx.ErrSchemaViolation, out.Intent)
	}
}

func invokeWithOneRetry[T any](ctx context.Context, runner compose.Runnable[map[string]any, T], in map[string]any) (T, error) {
	out, err := runner.Invoke(ctx, in)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		var zero T
		return zero, err
	}
	return runner.Invoke(ctx, in)
}

func summarizeHistory(turns []statex.Turn) []map[string]any {
	if len(turns) > historyWindow {
		turns = turns[len(turns)-historyWindow:]
	}
	out := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		out = append(out, map[string]any{
			"role": string(t.Role),
			"text": t.Text,
		})
	}
	return out
}

func catalogSummary(reg *registryx.Registry) []map[string]any {
	defs := reg.Catalog()
	out := make([]map[string]any, 0, len(defs))
	for _, def := range defs {
		params := make(map[string]any, len(def.Params))
		for name, spec := range def.Params {
			params[name] = map[string]any{
				"type":     string(spec.Type),
				"desc":     spec.Desc,
				"required": spec.Required,
			}
		}
		out = append(out, map[string]any{
			"name":   def.Name,
			"desc":   def.Desc,
			"domain": string(def.Domain),
			"params": params,
		})
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
