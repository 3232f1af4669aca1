package eventhook

// Event type constants. The AMQP publisher derives routing keys from these,
// so consumers can bind on patterns like "billing.payment.*".
const (
	// Subscription events
	EventSubscriptionCreated      = "subscription.created"
	EventSubscriptionTransitioned = "subscription.transitioned"
	EventSubscriptionCanceled     = "subscription.canceled"
	EventSubscriptionExpired      = "subscription.expired"
	EventTrialConverted           = "subscription.trial_converted"
	EventGraceStarted             = "subscription.grace_started"

	// Payment events
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventRefundIssued     = "payment.refunded"
	EventRetryScheduled   = "payment.retry_scheduled"
	EventRetriesExhausted = "payment.retries_exhausted"
)

// allEvents returns all known event types.
func allEvents() []string {
	return []string{
		EventSubscriptionCreated,
		EventSubscriptionTransitioned,
		EventSubscriptionCanceled,
		EventSubscriptionExpired,
		EventTrialConverted,
		EventGraceStarted,
		EventPaymentSucceeded,
		EventPaymentFailed,
		EventRefundIssued,
		EventRetryScheduled,
		EventRetriesExhausted,
	}
}
