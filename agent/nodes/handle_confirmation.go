package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	confirmx "github.com/jirayu/concierge/agent/confirm"
	contractx "github.com/jirayu/concierge/agent/contract"
	statex "github.com/jirayu/concierge/agent/state"
	synthx "github.com/jirayu/concierge/agent/synth"
)

const (
	rejectedText     = "Okay, I won't do that. Nothing has been sent or changed."
	confirmRetryText = "Sorry, I couldn't tell whether that was a yes or a no. The plan below is still waiting; reply to approve, reject, or describe changes."
)

// HandleConfirmation interprets a reply that arrived while a plan was
// pending and drives the resulting transition.
func HandleConfirmation(ctx context.Context, in *GraphState, deps Deps) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph state has no session", contractx.ErrValidation)
	}
	sess := in.Session

	plan, ok := sess.PendingPlan()
	if !ok {
		return nil, fmt.Errorf("%w: confirmation path entered without a pending plan", contractx.ErrValidation)
	}

	intent, instructions, err := deps.Planner.ParseConfirmation(ctx, contractx.ConfirmationRequest{
		UserText:    in.Text,
		PlanSummary: confirmx.Summary(plan),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		// An uninterpretable reply never counts as approval. Re-show the
		// pending plan and ask again.
		log.Warn().Err(err).Str("plan_id", plan.ID).Msg("confirmation reply not interpretable")
		blocks := confirmx.RenderPreview(deps.Registry, plan)
		in.Reply = contractx.OutboundMessage{DisplayText: confirmRetryText + "\n\n" + confirmx.PreviewText(blocks), Preview: blocks}
		return in, nil
	}

	if intent == contractx.IntentUnrelated {
		// A different request entirely; the router decides whether it
		// merges, queues, or implicitly rejects the stale plan.
		reply, err := PlanRequest(ctx, deps, sess, in.Text, "", nil, in.Now)
		if err != nil {
			return nil, err
		}
		in.Reply = withQueuedFollowup(ctx, deps, sess, reply, in.Now)
		return in, nil
	}

	outcome, err := deps.Coordinator.Resolve(ctx, sess, contractx.ConfirmationResponse{
		PlanID:       plan.ID,
		PlanVersion:  plan.Version,
		RawText:      in.Text,
		Intent:       intent,
		Instructions: instructions,
	}, in.Now)
	if err != nil {
		return nil, err
	}

	switch {
	case outcome.Execute:
		if err := deps.Executor.Run(ctx, sess, plan); err != nil {
			return nil, err
		}
		reply := synthx.Synthesize(plan.Request, plan)
		if err := sess.ClearActivePlan(); err != nil {
			log.Warn().Err(err).Str("plan_id", plan.ID).Msg("executed plan not cleared")
		}
		in.Reply = withQueuedFollowup(ctx, deps, sess, reply, in.Now)

	case outcome.Replan:
		reply, err := PlanRequest(ctx, deps, sess, plan.Request, outcome.Instructions, plan, in.Now)
		if err != nil {
			return nil, err
		}
		in.Reply = reply

	case outcome.Rejected:
		in.Reply = withQueuedFollowup(ctx, deps, sess, contractx.OutboundMessage{DisplayText: rejectedText}, in.Now)

	default:
		return nil, fmt.Errorf("%w: coordinator returned empty outcome", contractx.ErrValidation)
	}

	return in, nil
}

// withQueuedFollowup replays parked requests once no plan is pending,
// folding each reply into this one. It stops as soon as a replayed
// request parks a new plan awaiting confirmation, so the queue never
// out-runs the single-plan invariant.
func withQueuedFollowup(ctx context.Context, deps Deps, sess *statex.Session, reply contractx.OutboundMessage, now time.Time) contractx.OutboundMessage {
	for {
		if _, pending := sess.PendingPlan(); pending {
			return reply
		}
		q, ok := sess.DequeueRequest()
		if !ok {
			return reply
		}

		next, err := PlanRequest(ctx, deps, sess, q.Text, "", nil, now)
		if err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("queued request replay failed")
			return reply
		}

		reply.DisplayText = reply.DisplayText + "\n\nAbout your earlier request (\"" + q.Text + "\"):\n" + next.DisplayText
		reply.Preview = append(reply.Preview, next.Preview...)
	}
}
