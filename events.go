package machpay

import "time"

// PaymentEventType represents the type of payment event.
type PaymentEventType string

const (
	// PaymentEventAttempt indicates a payment is being attempted.
	PaymentEventAttempt PaymentEventType = "attempt"

	// PaymentEventSuccess indicates a payment succeeded.
	PaymentEventSuccess PaymentEventType = "success"

	// PaymentEventFailure indicates a payment failed.
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent represents a payment lifecycle event, used by the agent
// transport to provide consistent notifications for logging and
// monitoring.
type PaymentEvent struct {
	// Type is the event type (attempt, success, failure).
	Type PaymentEventType

	// Timestamp is when the event occurred.
	Timestamp time.Time

	// URL is the HTTP URL being accessed.
	URL string

	// Gateway is the gateway the payment was addressed to.
	Gateway string

	// Amount is the payment amount in atomic units.
	Amount uint64

	// Mint is the asset identifier.
	Mint string

	// Nonce is the challenge nonce the payment was bound to.
	Nonce uint64

	// Error contains error details (available on failure).
	Error error

	// Duration is the time taken for the payment operation.
	Duration time.Duration
}

// PaymentCallback is a function that handles payment events.
// Callbacks are invoked synchronously during payment processing, so
// they should be fast to avoid blocking the negotiation loop.
type PaymentCallback func(PaymentEvent)
