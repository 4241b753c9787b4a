package nodes

import (
	"context"
	"errors"
	"fmt"

	contractx "github.com/jirayu/concierge/agent/contract"
	statex "github.com/jirayu/concierge/agent/state"
)

func LoadSession(ctx context.Context, in *GraphState, store statex.Store) (*GraphState, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: graph state is nil", contractx.ErrValidation)
	}

	sess, err := store.Load(ctx, in.SessionID)
	if err != nil {
		if !errors.Is(err, statex.ErrStateNotFound) {
			return nil, err
		}
		sess = statex.NewSession(in.SessionID, in.UserID, in.Channel, in.Now)
	}
	in.Session = sess
	return in, nil
}
