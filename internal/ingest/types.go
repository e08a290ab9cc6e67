// Package ingest processes delivery-outcome webhooks from the email
// provider: authenticity verification, dedup, deliverability policy and
// enrollment halting.
package ingest

import (
	"github.com/piehands/campaignd/pkg/schema"
)

// ProviderEvent is one delivery-outcome event as posted by the provider
// webhook. SGEventID is the dedup key; the piehands_* fields are the
// custom args attached at send time, echoed back by the provider.
type ProviderEvent struct {
	Email       string `json:"email"`
	Event       string `json:"event"`
	Timestamp   int64  `json:"timestamp"` // unix seconds
	SGEventID   string `json:"sg_event_id"`
	SGMessageID string `json:"sg_message_id"`

	// Outcome-specific metadata.
	Reason     string `json:"reason,omitempty"`     // bounce
	BounceType string `json:"type,omitempty"`       // bounce classification
	URL        string `json:"url,omitempty"`        // click
	UserAgent  string `json:"useragent,omitempty"`  // open/click
	IP         string `json:"ip,omitempty"`         // open/click

	// Tracking custom args set by the sender.
	UserID     string `json:"piehands_user_id,omitempty"`
	CampaignID string `json:"piehands_campaign_id,omitempty"`
	NodeID     string `json:"piehands_node_id,omitempty"`
	TemplateID string `json:"piehands_template_id,omitempty"`
}

// Outcome returns the event's delivery outcome type.
func (e *ProviderEvent) Outcome() schema.OutcomeType {
	return schema.OutcomeType(e.Event)
}

// DedupKey returns the identifier the idempotency ledger is keyed on.
func (e *ProviderEvent) DedupKey() string {
	if e.SGEventID != "" {
		return e.SGEventID
	}
	return e.SGMessageID
}

// IngestResult reports the outcome of processing one batch. Accepted
// counts both newly processed events and detected replays; failures are
// collected per event and never abort siblings.
type IngestResult struct {
	Accepted       int               `json:"accepted"`
	PerEventErrors map[string]string `json:"per_event_errors,omitempty"`
}

func (r *IngestResult) addError(eventID, message string) {
	if r.PerEventErrors == nil {
		r.PerEventErrors = make(map[string]string)
	}
	r.PerEventErrors[eventID] = message
}
