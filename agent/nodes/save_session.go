package nodes

import (
	"context"
	"fmt"

	contractx "github.com/jirayu/concierge/agent/contract"
	statex "github.com/jirayu/concierge/agent/state"
)

// SaveSession records the exchange and persists the document. A version
// conflict surfaces as an error; the caller serializes turns per
// session, so a conflict means another process raced us.
func SaveSession(ctx context.Context, in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil || in.Session == nil {
		return nil, fmt.Errorf("%w: graph state has no session", contractx.ErrValidation)
	}

	sess := in.Session
	sess.AppendTurn(statex.TurnUser, in.Text, in.Now)
	if in.Reply.DisplayText != "" {
		sess.AppendTurn(statex.TurnAssistant, in.Reply.DisplayText, in.Now)
	}
	sess.Touch(in.Now)

	if err := store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session=%s: %w", sess.ID, err)
	}
	return in, nil
}
