// Package policy holds the deliverability decision table: how a delivery
// outcome reported by the email provider changes a user's standing and
// whether their in-flight enrollments must stop.
package policy

import "github.com/piehands/campaignd/pkg/schema"

// Decision is the effect of one delivery outcome.
type Decision struct {
	// StatusChange is the deliverability status to downgrade the user to,
	// or "" when the outcome carries no status change.
	StatusChange schema.DeliverabilityStatus
	// HaltEnrollments forces every ACTIVE or WAITING enrollment of the user
	// to HALTED. Halted enrollments are terminal and never resume.
	HaltEnrollments bool
}

// Apply maps a delivery outcome to its decision. Engagement outcomes
// (delivered, opened, clicked) change nothing; a bounce marks the user
// bounced; unsubscribe and spam report both mark the user unsubscribed,
// since a spam complaint is consent withdrawal in all but name.
func Apply(outcome schema.OutcomeType) (Decision, bool) {
	switch outcome {
	case schema.OutcomeDelivered, schema.OutcomeOpened, schema.OutcomeClicked:
		return Decision{}, true
	case schema.OutcomeBounce:
		return Decision{StatusChange: schema.DeliverabilityBounced, HaltEnrollments: true}, true
	case schema.OutcomeUnsubscribe, schema.OutcomeSpamReport:
		return Decision{StatusChange: schema.DeliverabilityUnsubscribed, HaltEnrollments: true}, true
	default:
		return Decision{}, false
	}
}

// severity orders deliverability statuses. Downgrades only move right.
var severity = map[schema.DeliverabilityStatus]int{
	schema.DeliverabilityActive:       0,
	schema.DeliverabilityBounced:      1,
	schema.DeliverabilityUnsubscribed: 2,
}

// Downgrade returns the status the user should hold after applying the
// change, and whether that is different from current. Deliverability is
// monotone within the engine: a later delivered/opened event can never
// restore a bounced or unsubscribed user, and out-of-order provider
// delivery collapses to most-severe-outcome-wins.
func Downgrade(current, change schema.DeliverabilityStatus) (schema.DeliverabilityStatus, bool) {
	if change == "" {
		return current, false
	}
	if severity[change] > severity[current] {
		return change, true
	}
	return current, false
}
