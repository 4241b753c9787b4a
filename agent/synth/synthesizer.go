// Package synth turns a plan and its execution results into a truthful
// user-facing summary. Every failed, skipped, or timed-out step is
// named individually; a partial outcome is never collapsed into an
// apparent full success.
package synth

import (
	"fmt"
	"strings"

	contractx "github.com/jirayu/concierge/agent/contract"
	statex "github.com/jirayu/concierge/agent/state"
)

// Synthesize builds the final message for an executed (or partially
// executed) plan.
func Synthesize(request string, plan *statex.Plan) contractx.OutboundMessage {
	var succeeded, failed, skipped, timedOut []*statex.Step
	degraded := false
	for _, s := range plan.Steps {
		switch s.Status {
		case statex.StepSucceeded:
			succeeded = append(succeeded, s)
			if len(unreached(s)) > 0 {
				degraded = true
			}
		case statex.StepFailed:
			failed = append(failed, s)
		case statex.StepSkipped:
			skipped = append(skipped, s)
		case statex.StepTimedOut:
			timedOut = append(timedOut, s)
		}
	}

	var b strings.Builder
	if len(failed) == 0 && len(skipped) == 0 && len(timedOut) == 0 && !degraded {
		fmt.Fprintf(&b, "Done: %s\n", request)
		for _, s := range succeeded {
			fmt.Fprintf(&b, "- %s completed%s\n", s.Tool, resultNote(s))
		}
		return contractx.OutboundMessage{DisplayText: strings.TrimRight(b.String(), "\n")}
	}

	fmt.Fprintf(&b, "Partially done: %s\n", request)
	fmt.Fprintf(&b, "%d of %d steps completed.\n", len(succeeded), len(plan.Steps))
	for _, s := range succeeded {
		fmt.Fprintf(&b, "- %s completed%s\n", s.Tool, resultNote(s))
		if missed := unreached(s); len(missed) > 0 {
			fmt.Fprintf(&b, "  could not reach: %s\n", strings.Join(missed, ", "))
		}
	}
	for _, s := range failed {
		fmt.Fprintf(&b, "- %s FAILED: %s\n", s.Tool, failureReason(s))
	}
	for _, s := range skipped {
		fmt.Fprintf(&b, "- %s skipped (a step it depends on did not succeed)\n", s.Tool)
	}
	for _, s := range timedOut {
		fmt.Fprintf(&b, "- %s timed out before it could run\n", s.Tool)
	}
	return contractx.OutboundMessage{DisplayText: strings.TrimRight(b.String(), "\n")}
}

// Clarification wraps the planner's question for the channel.
func Clarification(question string) contractx.OutboundMessage {
	return contractx.OutboundMessage{DisplayText: question}
}

// ConfirmationPrompt pairs a preview rendering with its display text.
func ConfirmationPrompt(text string, blocks []contractx.PreviewBlock) contractx.OutboundMessage {
	return contractx.OutboundMessage{DisplayText: text, Preview: blocks}
}

func resultNote(s *statex.Step) string {
	if s.Result == nil || len(s.Result.Payload) == 0 {
		return ""
	}
	if summary, ok := s.Result.Payload["summary"].(string); ok && summary != "" {
		return ": " + summary
	}
	return ""
}

func unreached(s *statex.Step) []string {
	if s.Result == nil {
		return nil
	}
	return s.Result.FailedRecipients
}

func failureReason(s *statex.Step) string {
	if s.Result == nil || s.Result.Error == "" {
		return "unknown error"
	}
	return s.Result.Error
}
