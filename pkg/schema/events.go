package schema

// Domain event names for the append-only history log. Email outcome events
// match the names the CRM records against each user's activity timeline.
const (
	EventCampaignActivated = "campaign_activated"
	EventCampaignCompleted = "campaign_completed"

	EventEnrollmentCreated   = "enrollment_created"
	EventEnrollmentWaiting   = "enrollment_waiting"
	EventEnrollmentCompleted = "enrollment_completed"
	EventEnrollmentFailed    = "enrollment_failed"
	EventEnrollmentHalted    = "enrollment_halted"

	EventEmailSent         = "email_sent"
	EventEmailDelivered    = "email_delivered"
	EventEmailOpened       = "email_opened"
	EventEmailClicked      = "email_clicked"
	EventEmailBounced      = "email_bounced"
	EventEmailUnsubscribed = "email_unsubscribed"
	EventEmailSpamReport   = "email_spam_report"

	EventTracked = "event_tracked"
)

// OutcomeEventName maps a provider delivery outcome to the domain event
// recorded on the user's history.
func OutcomeEventName(outcome OutcomeType) string {
	switch outcome {
	case OutcomeDelivered:
		return EventEmailDelivered
	case OutcomeOpened:
		return EventEmailOpened
	case OutcomeClicked:
		return EventEmailClicked
	case OutcomeBounce:
		return EventEmailBounced
	case OutcomeUnsubscribe:
		return EventEmailUnsubscribed
	case OutcomeSpamReport:
		return EventEmailSpamReport
	default:
		return ""
	}
}
