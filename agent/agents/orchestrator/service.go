// Package orchestrator wires the engine together and serializes message
// handling per session, so a confirmation reply can never race the plan
// it answers.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cloudwego/eino/compose"

	contractx "github.com/jirayu/concierge/agent/contract"
	nodex "github.com/jirayu/concierge/agent/nodes"
)

var (
	ErrInvalidMessage = nodex.ErrInvalidMessage
	ErrInvalidSession = nodex.ErrInvalidSession
)

type Orchestrator struct {
	deps nodex.Deps

	graphRunner compose.Runnable[contractx.InboundMessage, contractx.OutboundMessage]

	mu    sync.Mutex
	locks map[string]*sessionLock

	now func() time.Time
}

// sessionLock is reference-counted so the lock map only ever holds
// sessions with a message in flight.
type sessionLock struct {
	sync.Mutex
	refs int
}

func New(deps nodex.Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Planner == nil {
		return nil, errors.New("planner is required")
	}
	if deps.Registry == nil {
		return nil, errors.New("tool registry is required")
	}
	if deps.Coordinator == nil {
		return nil, errors.New("confirmation coordinator is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}

	o := &Orchestrator{
		deps:  deps,
		locks: make(map[string]*sessionLock),
		now:   time.Now,
	}

	graphRunner, err := o.compileHandleMessageGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

// HandleMessage processes one inbound message end to end and returns
// the reply to deliver. Calls for the same session are serialized;
// different sessions run concurrently.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg contractx.InboundMessage) (contractx.OutboundMessage, error) {
	lock := o.acquireSession(msg.SessionID)
	defer o.releaseSession(msg.SessionID, lock)

	return o.graphRunner.Invoke(ctx, msg)
}

func (o *Orchestrator) acquireSession(sessionID string) *sessionLock {
	o.mu.Lock()
	lock, ok := o.locks[sessionID]
	if !ok {
		lock = &sessionLock{}
		o.locks[sessionID] = lock
	}
	lock.refs++
	o.mu.Unlock()

	lock.Lock()
	return lock
}

func (o *Orchestrator) releaseSession(sessionID string, lock *sessionLock) {
	lock.Unlock()

	o.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(o.locks, sessionID)
	}
	o.mu.Unlock()
}
