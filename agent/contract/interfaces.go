package contract

import (
	"context"

	statex "github.com/jirayu/concierge/agent/state"
)

// Planner turns an utterance plus session context into a draft plan or
// a clarification question, and interprets confirmation replies. Both
// calls hit the language-model backend and are the dominant latency
// source.
type Planner interface {
	Plan(ctx context.Context, req PlannerRequest) (PlannerResponse, error)
	ParseConfirmation(ctx context.Context, req ConfirmationRequest) (ConfirmationIntent, string, error)
}

// DomainAgent implements the tools of one functional area over one
// external API family. Execute must translate raw external errors into
// the shared taxonomy before returning.
type DomainAgent interface {
	Domain() Domain
	DescribeTools() []*ToolDefinition
	Execute(ctx context.Context, tool string, params map[string]any, auth AuthContext) (*statex.ExecutionResult, error)
}

// CredentialProvider supplies per-user, per-domain access tokens. Token
// failure surfaces only as ErrAuthExpired.
type CredentialProvider interface {
	Token(ctx context.Context, userID string, domain Domain) (string, error)
}

// Channel delivers synthesized replies back to the hosting surface.
type Channel interface {
	Deliver(ctx context.Context, sessionID string, msg OutboundMessage) error
}

// Archive records every plan version that leaves draft and every
// execution result, append-only, for audit.
type Archive interface {
	PlanVersion(ctx context.Context, p *statex.Plan) error
	StepResult(ctx context.Context, planID string, planVersion int, res *statex.ExecutionResult) error
}
