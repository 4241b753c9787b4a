// Package confirm runs the per-plan confirmation state machine. The
// wait for a user reply is long-lived and holds no worker resource: the
// plan is persisted awaiting confirmation and the flow resumes when a
// correlated follow-up arrives, even across process restarts.
package confirm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	contractx "github.com/jirayu/concierge/agent/contract"
	registryx "github.com/jirayu/concierge/agent/registry"
	statex "github.com/jirayu/concierge/agent/state"
)

type Config struct {
	// TTL is how long a plan may await confirmation before the sweeper
	// expires it with zero side effects.
	TTL time.Duration `envconfig:"TTL" split_words:"true" default:"24h"`
	// StaleAfter is the pending age beyond which an unrelated new
	// request implicitly rejects the pending plan instead of queueing.
	StaleAfter time.Duration `envconfig:"STALE_AFTER" split_words:"true" default:"5m"`
	// SweepInterval paces the background expiry sweep.
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" split_words:"true" default:"1m"`
	// IdleTTL is the inactivity age past which the sweeper reaps a
	// session outright. Stores with native key expiry ignore it.
	IdleTTL time.Duration `envconfig:"IDLE_TTL" split_words:"true" default:"720h"`
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 720 * time.Hour
	}
	return c
}

// Coordinator owns every plan status transition between draft and
// approval. It never talks to a model and never executes a step, so the
// state machine is testable on its own.
type Coordinator struct {
	registry *registryx.Registry
	archive  contractx.Archive
	cfg      Config
}

func New(reg *registryx.Registry, archive contractx.Archive, cfg Config) *Coordinator {
	if archive == nil {
		archive = NoopArchive{}
	}
	return &Coordinator{
		registry: reg,
		archive:  archive,
		cfg:      cfg.withDefaults(),
	}
}

// Decision is the outcome of admitting a classified draft.
type Decision struct {
	// ExecuteNow is set for auto-only plans, which bypass confirmation.
	ExecuteNow bool
	// Preview carries the confirmation rendering otherwise.
	Preview []contractx.PreviewBlock
}

// Admit moves a classified draft into the state machine: auto-only
// plans are approved immediately, everything else parks awaiting
// confirmation with a rendered preview. The plan version is archived
// either way.
func (c *Coordinator) Admit(ctx context.Context, sess *statex.Session, plan *statex.Plan, now time.Time) (Decision, error) {
	if plan == nil || plan.Status != statex.PlanDraft {
		return Decision{}, fmt.Errorf("%w: admit requires a draft plan", contractx.ErrValidation)
	}

	if plan.AutoOnly() {
		plan.Status = statex.PlanApproved
		for _, s := range plan.Steps {
			s.Status = statex.StepApproved
		}
		plan.Touch(now)
		if err := sess.SetActivePlan(plan); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", contractx.ErrPlanConflict, err)
		}
		c.archivePlan(ctx, plan)
		log.Debug().Str("plan_id", plan.ID).Int("steps", len(plan.Steps)).Msg("auto-only plan approved without confirmation")
		return Decision{ExecuteNow: true}, nil
	}

	plan.Status = statex.PlanAwaiting
	plan.Touch(now)
	if err := sess.SetActivePlan(plan); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", contractx.ErrPlanConflict, err)
	}
	c.archivePlan(ctx, plan)
	log.Info().Str("plan_id", plan.ID).Int("version", plan.Version).Msg("plan awaiting confirmation")
	return Decision{Preview: RenderPreview(c.registry, plan)}, nil
}

// Outcome is the result of resolving a confirmation reply.
type Outcome struct {
	Execute      bool
	Replan       bool
	Instructions string
	Rejected     bool
}

// Resolve applies a parsed confirmation reply to the pending plan. A
// reply correlated with a superseded version is refused rather than
// applied to the current one.
func (c *Coordinator) Resolve(ctx context.Context, sess *statex.Session, resp contractx.ConfirmationResponse, now time.Time) (Outcome, error) {
	plan, ok := sess.PendingPlan()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: no plan awaiting confirmation", contractx.ErrValidation)
	}
	if resp.PlanID != plan.ID || resp.PlanVersion != plan.Version {
		return Outcome{}, fmt.Errorf("%w: got plan=%s v%d, pending is plan=%s v%d",
			contractx.ErrStalePlanVersion, resp.PlanID, resp.PlanVersion, plan.ID, plan.Version)
	}

	switch resp.Intent {
	case contractx.IntentApprove:
		plan.Status = statex.PlanApproved
		for _, s := range plan.Steps {
			if s.Status == statex.StepPending {
				s.Status = statex.StepApproved
			}
		}
		plan.Touch(now)
		c.archivePlan(ctx, plan)
		log.Info().Str("plan_id", plan.ID).Int("version", plan.Version).Msg("plan approved")
		return Outcome{Execute: true}, nil

	case contractx.IntentReject:
		c.reject(ctx, sess, plan, now)
		return Outcome{Rejected: true}, nil

	case contractx.IntentModify:
		// Full re-plan: the superseded version is retained for audit,
		// never deleted.
		c.supersede(ctx, sess, plan, now)
		return Outcome{Replan: true, Instructions: resp.Instructions}, nil

	default:
		return Outcome{}, fmt.Errorf("%w: unhandled intent=%q", contractx.ErrSchemaViolation, resp.Intent)
	}
}

// Route decides what to do with a new planning request.
type Route struct {
	// Proceed means plan the request now.
	Proceed bool
	// Merge means re-plan the pending plan with the new request folded
	// in (topical overlap detected).
	Merge bool
	// Queued means the request was parked until the pending plan
	// resolves.
	Queued bool
}

// RouteNewRequest enforces the single-plan invariant when a planning
// request arrives while another plan is pending: topically overlapping
// requests merge into a re-plan, unrelated ones implicitly reject a
// stale pending plan, and everything else queues. Never silently
// dropped.
func (c *Coordinator) RouteNewRequest(ctx context.Context, sess *statex.Session, utterance string, now time.Time) Route {
	plan, ok := sess.PendingPlan()
	if !ok {
		return Route{Proceed: true}
	}

	if EntityOverlap(utterance, plan) {
		c.supersede(ctx, sess, plan, now)
		log.Debug().Str("plan_id", plan.ID).Msg("overlapping request merged into re-plan")
		return Route{Merge: true}
	}

	if now.UTC().Sub(plan.UpdatedAt) > c.cfg.StaleAfter {
		c.reject(ctx, sess, plan, now)
		log.Debug().Str("plan_id", plan.ID).Msg("stale pending plan implicitly rejected by unrelated request")
		return Route{Proceed: true}
	}

	sess.EnqueueRequest(utterance, now)
	log.Debug().Str("plan_id", plan.ID).Msg("unrelated request queued behind pending plan")
	return Route{Queued: true}
}

// Expire marks a pending plan expired once its TTL elapsed with no
// response. No side effects have occurred; the user may resubmit.
func (c *Coordinator) Expire(ctx context.Context, sess *statex.Session, now time.Time) bool {
	plan, ok := sess.PendingPlan()
	if !ok {
		return false
	}
	if now.UTC().Sub(plan.UpdatedAt) <= c.cfg.TTL {
		return false
	}
	plan.Status = statex.PlanExpired
	plan.Touch(now)
	c.archivePlan(ctx, plan)
	_ = sess.ClearActivePlan()
	sess.Touch(now)
	log.Info().Str("plan_id", plan.ID).Msg("pending plan expired with zero side effects")
	return true
}

func (c *Coordinator) reject(ctx context.Context, sess *statex.Session, plan *statex.Plan, now time.Time) {
	plan.Status = statex.PlanRejected
	plan.Touch(now)
	c.archivePlan(ctx, plan)
	_ = sess.ClearActivePlan()
	log.Info().Str("plan_id", plan.ID).Int("version", plan.Version).Msg("plan rejected")
}

func (c *Coordinator) supersede(ctx context.Context, sess *statex.Session, plan *statex.Plan, now time.Time) {
	plan.Status = statex.PlanSuperseded
	plan.Touch(now)
	c.archivePlan(ctx, plan)
	_ = sess.ClearActivePlan()
}

// NextVersion carries a superseded plan's identity onto its re-planned
// successor.
func NextVersion(old *statex.Plan, fresh *statex.Plan) *statex.Plan {
	fresh.ID = old.ID
	fresh.Version = old.Version + 1
	fresh.CreatedAt = old.CreatedAt
	return fresh
}

func (c *Coordinator) archivePlan(ctx context.Context, plan *statex.Plan) {
	if err := c.archive.PlanVersion(ctx, plan); err != nil {
		log.Warn().Err(err).Str("plan_id", plan.ID).Msg("plan archive write failed")
	}
}

// NoopArchive discards audit writes; tests and local runs use it.
type NoopArchive struct{}

func (NoopArchive) PlanVersion(context.Context, *statex.Plan) error { return nil }
func (NoopArchive) StepResult(context.Context, string, int, *statex.ExecutionResult) error {
	return nil
}
