// Package nodes holds the orchestration graph's node functions. Each
// node is a plain function over GraphState so the flow is testable
// without compiling a graph.
package nodes

import (
	"errors"
	"strings"
	"time"

	confirmx "github.com/jirayu/concierge/agent/confirm"
	contractx "github.com/jirayu/concierge/agent/contract"
	executorx "github.com/jirayu/concierge/agent/executor"
	registryx "github.com/jirayu/concierge/agent/registry"
	riskx "github.com/jirayu/concierge/agent/risk"
	statex "github.com/jirayu/concierge/agent/state"
)

var (
	ErrInvalidMessage = errors.New("message is empty")
	ErrInvalidSession = errors.New("session id is empty")
)

// Node names used by the orchestrator graph's branch.
const (
	NodeHandleRequest      = "handle_request"
	NodeHandleConfirmation = "handle_confirmation"
)

// requestHistory caps how many prior turns accompany a planning call.
const requestHistory = 12

// Deps bundles everything the nodes need. The orchestrator owns the
// instances; nodes never construct their own.
type Deps struct {
	Store       statex.Store
	Planner     contractx.Planner
	Registry    *registryx.Registry
	Classifier  riskx.Classifier
	Coordinator *confirmx.Coordinator
	Executor    *executorx.Executor
}

type GraphState struct {
	SessionID string
	UserID    string
	Channel   string
	Text      string
	Now       time.Time

	Session *statex.Session
	Reply   contractx.OutboundMessage
}

func ValidateRequest(in contractx.InboundMessage, nowFn func() time.Time) (*GraphState, error) {
	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, ErrInvalidSession
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, ErrInvalidMessage
	}

	now := in.Timestamp
	if now.IsZero() {
		now = nowFn()
	}

	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		userID = sessionID
	}

	return &GraphState{
		SessionID: sessionID,
		UserID:    userID,
		Channel:   strings.TrimSpace(in.Channel),
		Text:      text,
		Now:       now.UTC(),
	}, nil
}

// RouteMessage picks the branch target: a pending plan makes the reply
// a confirmation candidate, everything else is a fresh request.
func RouteMessage(in *GraphState) string {
	if _, ok := in.Session.PendingPlan(); ok {
		return NodeHandleConfirmation
	}
	return NodeHandleRequest
}
