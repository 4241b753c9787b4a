package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// maxTurnHistory bounds the per-session turn log; the planner only
	// ever sees a window of this size.
	maxTurnHistory = 40
)

var (
	ErrInvalidSession  = errors.New("session id is empty")
	ErrNilSession      = errors.New("session is nil")
	ErrActivePlanBusy  = errors.New("session already has a non-terminal plan")
	ErrNoActivePlan    = errors.New("session has no active plan")
	ErrVersionConflict = errors.New("session version conflict")
)

type TurnRole string

const (
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
)

type Turn struct {
	Role TurnRole  `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Contact is long-term session context: a recipient the user has
// previously addressed. The risk classifier treats known recipients as
// lower risk than first-time ones.
type Contact struct {
	Name          string    `json:"name,omitempty"`
	Address       string    `json:"address"`
	Interactions  int       `json:"interactions"`
	LastContacted time.Time `json:"last_contacted"`
}

// QueuedRequest is a planning request parked while another plan is
// pending for the same session.
type QueuedRequest struct {
	Text     string    `json:"text"`
	QueuedAt time.Time `json:"queued_at"`
}

// Session is the durable per-user conversation document. At most one
// plan may be non-terminal at any instant; Version supports optimistic
// writes so racing processes cannot lose updates.
type Session struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
	Version int64  `json:"version"`

	Turns      []Turn              `json:"turns,omitempty"`
	ActivePlan *Plan               `json:"active_plan,omitempty"`
	Contacts   map[string]*Contact `json:"contacts,omitempty"`
	Queued     []QueuedRequest     `json:"queued,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewSession(sessionID, userID, channel string, now time.Time) *Session {
	return &Session{
		ID:        sessionID,
		UserID:    userID,
		Channel:   channel,
		Version:   0,
		Contacts:  make(map[string]*Contact, 4),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
}

func (s *Session) Touch(now time.Time) {
	s.UpdatedAt = now.UTC()
}

func (s *Session) EnsureContacts() {
	if s.Contacts == nil {
		s.Contacts = make(map[string]*Contact, 4)
	}
}

// AppendTurn records a conversation turn, trimming the oldest entries
// once the history exceeds its bound.
func (s *Session) AppendTurn(role TurnRole, text string, now time.Time) {
	s.Turns = append(s.Turns, Turn{Role: role, Text: text, At: now.UTC()})
	if over := len(s.Turns) - maxTurnHistory; over > 0 {
		s.Turns = append([]Turn(nil), s.Turns[over:]...)
	}
}

// RecentTurns returns up to n of the most recent turns, oldest first.
func (s *Session) RecentTurns(n int) []Turn {
	if n <= 0 || len(s.Turns) == 0 {
		return nil
	}
	if n > len(s.Turns) {
		n = len(s.Turns)
	}
	return s.Turns[len(s.Turns)-n:]
}

func normalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// KnowsRecipient reports whether the address appears in long-term
// context, i.e. the user has contacted it before.
func (s *Session) KnowsRecipient(address string) bool {
	if s == nil || s.Contacts == nil {
		return false
	}
	_, ok := s.Contacts[normalizeAddress(address)]
	return ok
}

// RememberRecipient upserts a contact after a successful interaction.
func (s *Session) RememberRecipient(name, address string, now time.Time) {
	key := normalizeAddress(address)
	if key == "" {
		return
	}
	s.EnsureContacts()
	c, ok := s.Contacts[key]
	if !ok {
		c = &Contact{Address: key}
		s.Contacts[key] = c
	}
	if name = strings.TrimSpace(name); name != "" {
		c.Name = name
	}
	c.Interactions++
	c.LastContacted = now.UTC()
}

// SetActivePlan installs a plan, enforcing the single-plan invariant:
// it fails while another plan is still non-terminal.
func (s *Session) SetActivePlan(p *Plan) error {
	if s == nil {
		return ErrNilSession
	}
	if p == nil {
		return errors.New("plan is nil")
	}
	if cur := s.ActivePlan; cur != nil && !cur.Status.Terminal() && cur.ID != p.ID {
		return fmt.Errorf("%w: pending plan=%s", ErrActivePlanBusy, cur.ID)
	}
	s.ActivePlan = p
	return nil
}

// PendingPlan returns the active plan if it is awaiting confirmation.
func (s *Session) PendingPlan() (*Plan, bool) {
	if s == nil || s.ActivePlan == nil {
		return nil, false
	}
	if s.ActivePlan.Status != PlanAwaiting {
		return nil, false
	}
	return s.ActivePlan, true
}

// ClearActivePlan drops a terminal plan reference. It refuses to drop a
// plan that could still progress.
func (s *Session) ClearActivePlan() error {
	if s == nil || s.ActivePlan == nil {
		return nil
	}
	if !s.ActivePlan.Status.Terminal() {
		return fmt.Errorf("active plan=%s is not terminal (status=%s)", s.ActivePlan.ID, s.ActivePlan.Status)
	}
	s.ActivePlan = nil
	return nil
}

// EnqueueRequest parks a planning request until the pending plan
// resolves.
func (s *Session) EnqueueRequest(text string, now time.Time) {
	s.Queued = append(s.Queued, QueuedRequest{Text: strings.TrimSpace(text), QueuedAt: now.UTC()})
}

// DequeueRequest pops the oldest parked request.
func (s *Session) DequeueRequest() (QueuedRequest, bool) {
	if s == nil || len(s.Queued) == 0 {
		return QueuedRequest{}, false
	}
	head := s.Queued[0]
	s.Queued = append([]QueuedRequest(nil), s.Queued[1:]...)
	if len(s.Queued) == 0 {
		s.Queued = nil
	}
	return head, true
}

// Validate checks document integrity before persisting.
func (s *Session) Validate() error {
	if s == nil {
		return ErrNilSession
	}
	if strings.TrimSpace(s.ID) == "" {
		return ErrInvalidSession
	}
	if s.ActivePlan != nil {
		if s.ActivePlan.SessionID != s.ID {
			return fmt.Errorf("active plan=%s belongs to session=%s", s.ActivePlan.ID, s.ActivePlan.SessionID)
		}
		if s.ActivePlan.Status == PlanDraft {
			return errors.New("draft plan must not be persisted as active")
		}
		if len(s.ActivePlan.Steps) == 0 {
			return ErrEmptyPlan
		}
	}
	return nil
}
