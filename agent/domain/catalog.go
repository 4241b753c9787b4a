// Package domain declares the built-in tool catalog for the four
// functional areas. The concrete API clients live outside the core;
// the stub agents here declare schemas, risk defaults, and idempotency
// classes so the registry has a real catalog to build from, and answer
// "unavailable" until a real agent replaces them.
package domain

import (
	"context"
	"fmt"

	contractx "github.com/jirayu/concierge/agent/contract"
	statex "github.com/jirayu/concierge/agent/state"
)

// StubAgent serves a domain's declared tools without a backing API.
type StubAgent struct {
	domain contractx.Domain
	tools  []*contractx.ToolDefinition
}

var _ contractx.DomainAgent = (*StubAgent)(nil)

func (a *StubAgent) Domain() contractx.Domain { return a.domain }

func (a *StubAgent) DescribeTools() []*contractx.ToolDefinition { return a.tools }

func (a *StubAgent) Execute(ctx context.Context, tool string, params map[string]any, auth contractx.AuthContext) (*statex.ExecutionResult, error) {
	return nil, fmt.Errorf("%w: tool=%s has no backing client in domain=%s", contractx.ErrExternalPermanent, tool, a.domain)
}

func NewMailAgent() *StubAgent {
	return &StubAgent{
		domain: contractx.DomainMail,
		tools: []*contractx.ToolDefinition{
			{
				Name:   "mail.search",
				Desc:   "Search the user's mailbox and return matching message summaries.",
				Domain: contractx.DomainMail,
				Params: map[string]*contractx.ParamSpec{
					"query": {Type: contractx.ParamString, Desc: "Search query", Required: true},
					"limit": {Type: contractx.ParamNumber, Desc: "Max results"},
				},
				DefaultTier: statex.TierAuto,
				Idempotency: contractx.SafeRetry,
			},
			{
				Name:   "mail.read",
				Desc:   "Read one message by id.",
				Domain: contractx.DomainMail,
				Params: map[string]*contractx.ParamSpec{
					"message_id": {Type: contractx.ParamString, Desc: "Message id", Required: true},
				},
				DefaultTier: statex.TierAuto,
				Idempotency: contractx.SafeRetry,
			},
			{
				Name:   "mail.send",
				Desc:   "Send an email to one or more recipients.",
				Domain: contractx.DomainMail,
				Params: map[string]*contractx.ParamSpec{
					"to":      {Type: contractx.ParamArray, Desc: "Recipient addresses", Required: true},
					"subject": {Type: contractx.ParamString, Desc: "Subject line", Required: true},
					"body":    {Type: contractx.ParamString, Desc: "Message body", Required: true},
				},
				DefaultTier:     statex.TierPreview,
				Idempotency:     contractx.RetryableWithDedupKey,
				Mutating:        true,
				RecipientsParam: "to",
			},
		},
	}
}

func NewCalendarAgent() *StubAgent {
	return &StubAgent{
		domain: contractx.DomainCalendar,
		tools: []*contractx.ToolDefinition{
			{
				Name:   "calendar.list_events",
				Desc:   "List events in a time range.",
				Domain: contractx.DomainCalendar,
				Params: map[string]*contractx.ParamSpec{
					"from": {Type: contractx.ParamString, Desc: "Range start (RFC 3339)", Required: true},
					"to":   {Type: contractx.ParamString, Desc: "Range end (RFC 3339)", Required: true},
				},
				DefaultTier: statex.TierAuto,
				Idempotency: contractx.SafeRetry,
			},
			{
				Name:   "calendar.create_event",
				Desc:   "Create an event and invite attendees.",
				Domain: contractx.DomainCalendar,
				Params: map[string]*contractx.ParamSpec{
					"title":     {Type: contractx.ParamString, Desc: "Event title", Required: true},
					"start":     {Type: contractx.ParamString, Desc: "Start time (RFC 3339)", Required: true},
					"end":       {Type: contractx.ParamString, Desc: "End time (RFC 3339)", Required: true},
					"attendees": {Type: contractx.ParamArray, Desc: "Attendee addresses"},
				},
				DefaultTier:     statex.TierPreview,
				Idempotency:     contractx.RetryableWithDedupKey,
				Mutating:        true,
				RecipientsParam: "attendees",
			},
			{
				Name:   "calendar.delete_event",
				Desc:   "Delete an event by id.",
				Domain: contractx.DomainCalendar,
				Params: map[string]*contractx.ParamSpec{
					"event_id": {Type: contractx.ParamString, Desc: "Event id", Required: true},
				},
				DefaultTier: statex.TierDetailed,
				Idempotency: contractx.NotRetryable,
				Mutating:    true,
			},
		},
	}
}

func NewContactsAgent() *StubAgent {
	return &StubAgent{
		domain: contractx.DomainContacts,
		tools: []*contractx.ToolDefinition{
			{
				Name:   "contacts.lookup",
				Desc:   "Resolve a person's name to their addresses.",
				Domain: contractx.DomainContacts,
				Params: map[string]*contractx.ParamSpec{
					"name": {Type: contractx.ParamString, Desc: "Person name", Required: true},
				},
				DefaultTier: statex.TierAuto,
				Idempotency: contractx.SafeRetry,
			},
			{
				Name:   "contacts.create",
				Desc:   "Save a new contact.",
				Domain: contractx.DomainContacts,
				Params: map[string]*contractx.ParamSpec{
					"name":    {Type: contractx.ParamString, Desc: "Person name", Required: true},
					"address": {Type: contractx.ParamString, Desc: "Primary address", Required: true},
				},
				DefaultTier: statex.TierPreview,
				Idempotency: contractx.RetryableWithDedupKey,
				Mutating:    true,
			},
		},
	}
}

func NewMessagingAgent() *StubAgent {
	return &StubAgent{
		domain: contractx.DomainMessaging,
		tools: []*contractx.ToolDefinition{
			{
				Name:   "chat.send",
				Desc:   "Send a chat message to one or more recipients.",
				Domain: contractx.DomainMessaging,
				Params: map[string]*contractx.ParamSpec{
					"to":   {Type: contractx.ParamArray, Desc: "Recipient handles", Required: true},
					"text": {Type: contractx.ParamString, Desc: "Message text", Required: true},
				},
				DefaultTier:     statex.TierPreview,
				Idempotency:     contractx.RetryableWithDedupKey,
				Mutating:        true,
				RecipientsParam: "to",
			},
			{
				Name:   "chat.request_payment",
				Desc:   "Request a payment from a contact through the chat provider.",
				Domain: contractx.DomainMessaging,
				Params: map[string]*contractx.ParamSpec{
					"to":     {Type: contractx.ParamString, Desc: "Recipient handle", Required: true},
					"amount": {Type: contractx.ParamNumber, Desc: "Amount in the user's currency", Required: true},
					"note":   {Type: contractx.ParamString, Desc: "Payment note"},
				},
				DefaultTier:     statex.TierDetailed,
				Idempotency:     contractx.RetryableWithDedupKey,
				Mutating:        true,
				Financial:       true,
				RecipientsParam: "to",
			},
		},
	}
}

// All returns the full built-in agent set in registry order.
func All() []contractx.DomainAgent {
	return []contractx.DomainAgent{
		NewMailAgent(),
		NewCalendarAgent(),
		NewContactsAgent(),
		NewMessagingAgent(),
	}
}
