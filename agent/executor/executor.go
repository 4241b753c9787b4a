// Package executor runs approved plans: independent steps fan out over
// a bounded worker pool, dependent steps become eligible only once every
// dependency succeeded, and a failed step skips its dependents instead
// of poisoning the rest of the plan.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	contractx "github.com/jirayu/concierge/agent/contract"
	registryx "github.com/jirayu/concierge/agent/registry"
	riskx "github.com/jirayu/concierge/agent/risk"
	statex "github.com/jirayu/concierge/agent/state"
)

type Config struct {
	// Workers caps step fan-out, respecting external rate limits.
	Workers int `envconfig:"WORKERS" split_words:"true" default:"5"`
	// PlanTimeout bounds one whole plan run; remaining steps time out
	// and the partial result set is returned.
	PlanTimeout time.Duration `envconfig:"PLAN_TIMEOUT" split_words:"true" default:"30s"`
	// MaxRetries bounds transient-failure retries per retryable step.
	MaxRetries int `envconfig:"MAX_RETRIES" split_words:"true" default:"3"`
	// RetryBase is the first backoff delay; each retry doubles it.
	RetryBase time.Duration `envconfig:"RETRY_BASE" split_words:"true" default:"1s"`
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.PlanTimeout <= 0 {
		c.PlanTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	return c
}

type Executor struct {
	registry *registryx.Registry
	creds    contractx.CredentialProvider
	archive  contractx.Archive
	cfg      Config
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(reg *registryx.Registry, creds contractx.CredentialProvider, archive contractx.Archive, cfg Config) *Executor {
	if archive == nil {
		archive = noopArchive{}
	}
	return &Executor{
		registry: reg,
		creds:    creds,
		archive:  archive,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

type completion struct {
	step *statex.Step
	res  *statex.ExecutionResult
}

// Run executes an approved plan to a terminal status. The plan document
// is mutated in place: step statuses, results, and the final plan
// status. The scheduler goroutine owns all plan mutation; workers only
// execute and report.
func (e *Executor) Run(ctx context.Context, sess *statex.Session, plan *statex.Plan) error {
	if plan == nil || plan.Status != statex.PlanApproved {
		return fmt.Errorf("%w: executor requires an approved plan", contractx.ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.PlanTimeout)
	defer cancel()

	sem := make(chan struct{}, e.cfg.Workers)
	// Buffered so workers finishing after a timeout can never block.
	completions := make(chan completion, len(plan.Steps))
	payloads := make(map[string]map[string]any, len(plan.Steps))
	inFlight := 0

	dispatch := func() {
		for _, step := range plan.Steps {
			if step.Status != statex.StepApproved || !e.depsSucceeded(plan, step) {
				continue
			}
			select {
			case sem <- struct{}{}:
			default:
				return // pool exhausted; retry after the next completion
			}
			step.Status = statex.StepExecuting
			inFlight++
			snapshot := snapshotPayloads(payloads)
			go func(s *statex.Step) {
				defer func() { <-sem }()
				completions <- completion{step: s, res: e.runStep(ctx, sess, plan, s, snapshot)}
			}(step)
		}
	}

	dispatch()
	for inFlight > 0 {
		select {
		case <-ctx.Done():
			e.timeOutRemainder(plan)
			plan.Finalize(e.now())
			return nil
		case c := <-completions:
			inFlight--
			e.apply(ctx, sess, plan, c, payloads)
			dispatch()
		}
	}

	// Steps still approved here are unreachable: a dependency failed or
	// was skipped.
	for _, step := range plan.Steps {
		if step.Status == statex.StepApproved {
			step.Status = statex.StepSkipped
		}
	}

	plan.Finalize(e.now())
	log.Info().
		Str("plan_id", plan.ID).
		Str("status", string(plan.Status)).
		Msg("plan execution finished")
	return nil
}

func (e *Executor) apply(ctx context.Context, sess *statex.Session, plan *statex.Plan, c completion, payloads map[string]map[string]any) {
	c.step.Result = c.res
	if err := e.archive.StepResult(ctx, plan.ID, plan.Version, c.res); err != nil {
		log.Warn().Err(err).Str("step_id", c.step.ID).Msg("result archive write failed")
	}

	if c.res.Success {
		c.step.Status = statex.StepSucceeded
		payloads[c.step.ID] = c.res.Payload
		e.rememberRecipients(sess, c.step)
		return
	}

	c.step.Status = statex.StepFailed
	for _, depID := range plan.Dependents(c.step.ID) {
		if dep, ok := plan.Step(depID); ok && dep.Status == statex.StepApproved {
			dep.Status = statex.StepSkipped
		}
	}
	log.Warn().
		Str("plan_id", plan.ID).
		Str("step_id", c.step.ID).
		Str("error", c.res.Error).
		Msg("step failed, dependents skipped")
}

func (e *Executor) runStep(ctx context.Context, sess *statex.Session, plan *statex.Plan, step *statex.Step, payloads map[string]map[string]any) *statex.ExecutionResult {
	started := e.now()
	fail := func(err error, retries int) *statex.ExecutionResult {
		return &statex.ExecutionResult{
			StepID:     step.ID,
			Success:    false,
			Error:      err.Error(),
			StartedAt:  started.UTC(),
			FinishedAt: e.now().UTC(),
			Retries:    retries,
		}
	}

	def, err := e.registry.Lookup(step.Tool)
	if err != nil {
		return fail(err, 0)
	}
	agent, err := e.registry.AgentFor(step.Tool)
	if err != nil {
		return fail(err, 0)
	}

	params, err := Resolve(step.Params, payloads)
	if err != nil {
		return fail(err, 0)
	}

	token, err := e.creds.Token(ctx, sess.UserID, def.Domain)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", contractx.ErrAuthExpired, err), 0)
	}
	auth := contractx.AuthContext{
		UserID: sess.UserID,
		Domain: def.Domain,
		Token:  token,
	}

	// The dedup key is assigned once per step and reused across every
	// retry, so a retried call cannot duplicate the external effect.
	if def.Idempotency == contractx.RetryableWithDedupKey && step.DedupKey == "" {
		step.DedupKey = uuid.NewString()
	}
	auth.DedupKey = step.DedupKey

	retries := 0
	for {
		res, err := agent.Execute(ctx, step.Tool, params, auth)
		if err == nil && res != nil {
			res.StepID = step.ID
			res.StartedAt = started.UTC()
			res.FinishedAt = e.now().UTC()
			res.Retries = retries
			return res
		}
		if err == nil {
			err = fmt.Errorf("%w: agent returned no result", contractx.ErrExternalPermanent)
		}

		if !e.shouldRetry(def, err, retries) {
			return fail(err, retries)
		}
		backoff := e.cfg.RetryBase << retries
		retries++
		log.Debug().
			Str("step_id", step.ID).
			Int("retry", retries).
			Dur("backoff", backoff).
			Msg("retrying transient step failure")
		if sleepErr := e.sleep(ctx, backoff); sleepErr != nil {
			return fail(err, retries)
		}
	}
}

func (e *Executor) shouldRetry(def *contractx.ToolDefinition, err error, retries int) bool {
	if retries >= e.cfg.MaxRetries {
		return false
	}
	if !errors.Is(err, contractx.ErrExternalTransient) {
		return false
	}
	switch def.Idempotency {
	case contractx.SafeRetry, contractx.RetryableWithDedupKey:
		return true
	}
	return false
}

func (e *Executor) depsSucceeded(plan *statex.Plan, step *statex.Step) bool {
	for _, depID := range step.DependsOn {
		dep, ok := plan.Step(depID)
		if !ok || dep.Status != statex.StepSucceeded {
			return false
		}
	}
	return true
}

// timeOutRemainder marks everything that has not reached a terminal
// step state as timed out. Nothing completes in the background after
// the response is returned.
func (e *Executor) timeOutRemainder(plan *statex.Plan) {
	for _, step := range plan.Steps {
		switch step.Status {
		case statex.StepApproved, statex.StepExecuting, statex.StepPending:
			step.Status = statex.StepTimedOut
		}
	}
	log.Warn().Str("plan_id", plan.ID).Msg("plan timed out with steps remaining")
}

func (e *Executor) rememberRecipients(sess *statex.Session, step *statex.Step) {
	def, err := e.registry.Lookup(step.Tool)
	if err != nil || !def.Mutating {
		return
	}
	unreached := make(map[string]bool)
	if step.Result != nil {
		for _, addr := range step.Result.FailedRecipients {
			unreached[addr] = true
		}
	}
	for _, addr := range riskx.Recipients(def, step.Params) {
		if unreached[addr] {
			continue
		}
		sess.RememberRecipient("", addr, e.now())
	}
}

func snapshotPayloads(payloads map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(payloads))
	for k, v := range payloads {
		out[k] = v
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type noopArchive struct{}

func (noopArchive) PlanVersion(context.Context, *statex.Plan) error { return nil }
func (noopArchive) StepResult(context.Context, string, int, *statex.ExecutionResult) error {
	return nil
}
