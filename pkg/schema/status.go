package schema

// CampaignStatus represents the lifecycle state of a campaign.
// Transitions are monotonic: DRAFT → ACTIVE → SENDING → COMPLETED,
// with no path back to DRAFT once activated.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "DRAFT"
	CampaignStatusActive    CampaignStatus = "ACTIVE"
	CampaignStatusSending   CampaignStatus = "SENDING"
	CampaignStatusCompleted CampaignStatus = "COMPLETED"
)

// EnrollmentStatus represents one user's progress through a campaign graph.
type EnrollmentStatus string

const (
	// EnrollmentStatusActive means the enrollment is advanced on the next tick.
	EnrollmentStatusActive EnrollmentStatus = "ACTIVE"
	// EnrollmentStatusWaiting means the enrollment is parked at a node pending
	// an external signal (delay expiry or a tracked event).
	EnrollmentStatusWaiting EnrollmentStatus = "WAITING"
	// EnrollmentStatusCompleted means a terminal node was reached. Final.
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	// EnrollmentStatusFailed means an action failed permanently. Final.
	EnrollmentStatusFailed EnrollmentStatus = "FAILED"
	// EnrollmentStatusHalted means deliverability policy forced a stop
	// (bounce, unsubscribe, spam report). Final; never resumes.
	EnrollmentStatusHalted EnrollmentStatus = "HALTED"
)

// IsTerminal reports whether the status is final.
func (s EnrollmentStatus) IsTerminal() bool {
	return s == EnrollmentStatusCompleted || s == EnrollmentStatusFailed || s == EnrollmentStatusHalted
}

// DeliverabilityStatus is a user's standing with respect to receiving email.
// Downgrades are one-way within the engine: bounced and unsubscribed never
// revert to active here.
type DeliverabilityStatus string

const (
	DeliverabilityActive       DeliverabilityStatus = "active"
	DeliverabilityBounced      DeliverabilityStatus = "bounced"
	DeliverabilityUnsubscribed DeliverabilityStatus = "unsubscribed"
)

// OutcomeType enumerates delivery outcomes reported by the email provider.
type OutcomeType string

const (
	OutcomeDelivered   OutcomeType = "delivered"
	OutcomeOpened      OutcomeType = "opened"
	OutcomeClicked     OutcomeType = "clicked"
	OutcomeBounce      OutcomeType = "bounce"
	OutcomeUnsubscribe OutcomeType = "unsubscribe"
	OutcomeSpamReport  OutcomeType = "spam_report"
)
