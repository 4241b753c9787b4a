package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	confirmx "github.com/jirayu/concierge/agent/confirm"
	contractx "github.com/jirayu/concierge/agent/contract"
	plannerx "github.com/jirayu/concierge/agent/planner"
	statex "github.com/jirayu/concierge/agent/state"
	synthx "github.com/jirayu/concierge/agent/synth"
)

const planFailureText = "I couldn't work out a safe plan for that request, so I haven't done anything. Could you rephrase it?"

// HandleRequest plans and, where allowed, executes a fresh request.
func HandleRequest(ctx context.Context, in *GraphState, deps Deps) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph state has no session", contractx.ErrValidation)
	}

	reply, err := PlanRequest(ctx, deps, in.Session, in.Text, "", nil, in.Now)
	if err != nil {
		return nil, err
	}
	// Requests stranded in the queue by an expired or implicitly
	// rejected plan replay here, on the next message that leaves no plan
	// pending.
	in.Reply = withQueuedFollowup(ctx, deps, in.Session, reply, in.Now)
	return in, nil
}

// PlanRequest runs the full plan-classify-admit pipeline for one
// utterance. instructions and prior are set only on a re-plan, which
// bypasses routing because the superseded plan was already retired.
func PlanRequest(
	ctx context.Context,
	deps Deps,
	sess *statex.Session,
	utterance string,
	instructions string,
	prior *statex.Plan,
	now time.Time,
) (contractx.OutboundMessage, error) {
	if prior == nil && instructions == "" {
		pending, _ := sess.PendingPlan()
		route := deps.Coordinator.RouteNewRequest(ctx, sess, utterance, now)
		switch {
		case route.Queued:
			return queuedReply(deps, pending), nil
		case route.Merge:
			// Fold the overlapping request into a new version of the
			// retired plan.
			prior = pending
			instructions = utterance
			utterance = pending.Request
		}
	}

	req := contractx.PlannerRequest{
		Utterance:    utterance,
		History:      sess.RecentTurns(requestHistory),
		Contacts:     contactAddresses(sess),
		Instructions: instructions,
		Now:          now,
	}

	resp, err := deps.Planner.Plan(ctx, req)
	if err != nil {
		return planFailureReply(ctx, err)
	}
	if resp.NeedsClarification() {
		return synthx.Clarification(resp.Clarification), nil
	}

	plan, err := plannerx.BuildPlan(sess.ID, utterance, resp, now)
	if err != nil {
		return planFailureReply(ctx, err)
	}
	if prior != nil {
		plan = confirmx.NextVersion(prior, plan)
	}

	deps.Classifier.ClassifyPlan(plan, toolDefs(deps), sess)

	decision, err := deps.Coordinator.Admit(ctx, sess, plan, now)
	if err != nil {
		return contractx.OutboundMessage{}, err
	}

	if decision.ExecuteNow {
		if err := deps.Executor.Run(ctx, sess, plan); err != nil {
			return contractx.OutboundMessage{}, err
		}
		reply := synthx.Synthesize(plan.Request, plan)
		if err := sess.ClearActivePlan(); err != nil {
			log.Warn().Err(err).Str("plan_id", plan.ID).Msg("executed plan not cleared")
		}
		return reply, nil
	}

	return synthx.ConfirmationPrompt(confirmx.PreviewText(decision.Preview), decision.Preview), nil
}

// planFailureReply reports a planning failure to the user instead of
// propagating it, unless the context itself is gone.
func planFailureReply(ctx context.Context, err error) (contractx.OutboundMessage, error) {
	if ctx.Err() != nil {
		return contractx.OutboundMessage{}, err
	}
	switch {
	case errors.Is(err, contractx.ErrPlanningFailure),
		errors.Is(err, contractx.ErrInvalidPlan),
		errors.Is(err, contractx.ErrSchemaViolation),
		errors.Is(err, contractx.ErrValidation):
		log.Warn().Err(err).Msg("planning failed, reported to user")
		return contractx.OutboundMessage{DisplayText: planFailureText}, nil
	}
	return contractx.OutboundMessage{}, err
}

func queuedReply(deps Deps, pending *statex.Plan) contractx.OutboundMessage {
	blocks := confirmx.RenderPreview(deps.Registry, pending)
	text := "I'll get to that right after you decide on the current plan.\n\n" +
		confirmx.PreviewText(blocks)
	return contractx.OutboundMessage{DisplayText: text, Preview: blocks}
}

func contactAddresses(sess *statex.Session) []string {
	if len(sess.Contacts) == 0 {
		return nil
	}
	out := make([]string, 0, len(sess.Contacts))
	for addr := range sess.Contacts {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func toolDefs(deps Deps) map[string]*contractx.ToolDefinition {
	defs := deps.Registry.Catalog()
	out := make(map[string]*contractx.ToolDefinition, len(defs))
	for _, def := range defs {
		out[def.Name] = def
	}
	return out
}
