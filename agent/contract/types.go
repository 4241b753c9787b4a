package contract

import (
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	statex "github.com/jirayu/concierge/agent/state"
)

type Domain string

const (
	DomainMail      Domain = "mail"
	DomainCalendar  Domain = "calendar"
	DomainContacts  Domain = "contacts"
	DomainMessaging Domain = "messaging"
)

type IdempotencyClass string

const (
	SafeRetry             IdempotencyClass = "safe_retry"
	NotRetryable          IdempotencyClass = "not_retryable"
	RetryableWithDedupKey IdempotencyClass = "retryable_with_dedup_key"
)

type ParamType string

const (
	ParamString  ParamType = "string"
	ParamNumber  ParamType = "number"
	ParamBoolean ParamType = "boolean"
	ParamArray   ParamType = "array"
	ParamObject  ParamType = "object"
)

type ParamSpec struct {
	Type     ParamType `json:"type"`
	Desc     string    `json:"desc,omitempty"`
	Required bool      `json:"required,omitempty"`
}

// ToolDefinition describes one capability in the registry catalog.
// RecipientsParam names the parameter carrying the action's target
// address(es); the risk classifier counts and resolves recipients
// through it.
type ToolDefinition struct {
	Name            string                `json:"name"`
	Desc            string                `json:"desc"`
	Domain          Domain                `json:"domain"`
	Params          map[string]*ParamSpec `json:"params,omitempty"`
	DefaultTier     statex.RiskTier       `json:"default_tier"`
	Idempotency     IdempotencyClass      `json:"idempotency"`
	Mutating        bool                  `json:"mutating"`
	Financial       bool                  `json:"financial,omitempty"`
	RecipientsParam string                `json:"recipients_param,omitempty"`
}

// ValidateParams checks the given arguments against the tool's schema,
// naming the offending field on failure.
func (d *ToolDefinition) ValidateParams(params map[string]any) error {
	for name, spec := range d.Params {
		raw, ok := params[name]
		if !ok || raw == nil {
			if spec.Required {
				return fmt.Errorf("%w: tool=%s field=%s is required", ErrValidation, d.Name, name)
			}
			continue
		}
		if !matchesParamType(spec.Type, raw) {
			return fmt.Errorf("%w: tool=%s field=%s expects %s", ErrValidation, d.Name, name, spec.Type)
		}
	}
	for name := range params {
		if _, ok := d.Params[name]; !ok {
			return fmt.Errorf("%w: tool=%s field=%s is not part of the schema", ErrValidation, d.Name, name)
		}
	}
	return nil
}

func matchesParamType(t ParamType, v any) bool {
	switch t {
	case ParamString:
		// Late-binding references arrive as strings regardless of the
		// declared type, so strings only need the string check here.
		_, ok := v.(string)
		return ok
	case ParamNumber:
		switch v.(type) {
		case float64, float32, int, int64:
			return true
		}
		return isBindingRef(v)
	case ParamBoolean:
		_, ok := v.(bool)
		return ok || isBindingRef(v)
	case ParamArray:
		_, ok := v.([]any)
		if !ok {
			_, ok = v.([]string)
		}
		return ok || isBindingRef(v)
	case ParamObject:
		_, ok := v.(map[string]any)
		return ok || isBindingRef(v)
	}
	return true
}

// BindingPrefix marks a parameter value to be late-bound from a
// dependency step's result payload: "$step:<step-id>.<field>".
const BindingPrefix = "$step:"

func isBindingRef(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, BindingPrefix)
}

// ToInfo exports the definition as a model-facing tool schema.
func (d *ToolDefinition) ToInfo() *schema.ToolInfo {
	params := make(map[string]*schema.ParameterInfo, len(d.Params))
	for name, spec := range d.Params {
		params[name] = &schema.ParameterInfo{
			Type:     schemaDataType(spec.Type),
			Desc:     spec.Desc,
			Required: spec.Required,
		}
	}
	return &schema.ToolInfo{
		Name:        d.Name,
		Desc:        d.Desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}
}

func schemaDataType(t ParamType) schema.DataType {
	switch t {
	case ParamNumber:
		return schema.Number
	case ParamBoolean:
		return schema.Boolean
	case ParamArray:
		return schema.Array
	case ParamObject:
		return schema.Object
	default:
		return schema.String
	}
}

// AuthContext carries the per-user, per-domain token a domain agent
// needs, plus the stable dedup key for retryable calls. Token
// acquisition mechanics live behind CredentialProvider.
type AuthContext struct {
	UserID   string
	Domain   Domain
	Token    string
	DedupKey string
}

// PlannerRequest is the planner input: the utterance plus a bounded
// history window and the full catalog the model may draw tools from.
type PlannerRequest struct {
	Utterance    string
	History      []statex.Turn
	Contacts     []string
	Instructions string
	Now          time.Time
}

// DraftStep is one proposed invocation before risk classification.
type DraftStep struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params,omitempty"`
	DependsOn []string       `json:"depends_on,omitempty"`
}

// PlannerResponse is either a draft (Steps non-empty) or a clarification
// question, never both.
type PlannerResponse struct {
	Steps         []DraftStep
	Confidence    float64
	Clarification string
}

// NeedsClarification reports whether the planner refused to guess.
func (r PlannerResponse) NeedsClarification() bool {
	return strings.TrimSpace(r.Clarification) != ""
}

type ConfirmationIntent string

const (
	IntentApprove   ConfirmationIntent = "approve"
	IntentReject    ConfirmationIntent = "reject"
	IntentModify    ConfirmationIntent = "modify"
	IntentUnrelated ConfirmationIntent = "unrelated"
)

// ConfirmationRequest asks the model to interpret a user reply against
// the pending plan summary.
type ConfirmationRequest struct {
	UserText    string
	PlanSummary string
}

// ConfirmationResponse correlates a user reply with a specific plan
// version.
type ConfirmationResponse struct {
	PlanID       string
	PlanVersion  int
	RawText      string
	Intent       ConfirmationIntent
	Instructions string
}

// InboundMessage is what the hosting channel delivers.
type InboundMessage struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// PreviewBlock is one structured element of a confirmation preview.
type PreviewBlock struct {
	Title  string   `json:"title"`
	Lines  []string `json:"lines,omitempty"`
	StepID string   `json:"step_id,omitempty"`
}

// OutboundMessage is what the core hands back to the channel.
type OutboundMessage struct {
	DisplayText string         `json:"display_text"`
	Preview     []PreviewBlock `json:"preview,omitempty"`
}
