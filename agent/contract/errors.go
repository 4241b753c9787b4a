package contract

import "errors"

// Failure taxonomy shared by every component. Domain agents translate raw
// external errors into one of these before returning; downstream code
// dispatches on errors.Is and never re-parses raw payloads.
var (
	ErrPlanningFailure     = errors.New("planning failed")
	ErrInvalidPlan         = errors.New("plan references unknown tool")
	ErrValidation          = errors.New("validation failed")
	ErrAuthExpired         = errors.New("authentication expired")
	ErrExternalTransient   = errors.New("transient external failure")
	ErrExternalPermanent   = errors.New("permanent external failure")
	ErrConfirmationTimeout = errors.New("confirmation timed out")
	ErrPlanConflict        = errors.New("another plan is already in flight")
	ErrToolNotFound        = errors.New("tool not found")
	ErrModelInvoke         = errors.New("model invoke failed")
	ErrSchemaViolation     = errors.New("model response violates schema")
	ErrStalePlanVersion    = errors.New("confirmation targets a superseded plan version")
)
