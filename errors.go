package machpay

import "errors"

// Sentinel errors for the payment authorization protocol.
var (
	// ErrMalformedChallenge indicates a structurally invalid or already-expired
	// challenge was received. Fails locally, never retried.
	ErrMalformedChallenge = errors.New("machpay: malformed challenge")

	// ErrInsufficientFunds indicates the local solvency check failed before
	// signing. Fatal to the call, not retried.
	ErrInsufficientFunds = errors.New("machpay: insufficient funds")

	// ErrPaymentRejected indicates the gateway refused a submitted intent.
	ErrPaymentRejected = errors.New("machpay: payment rejected")

	// ErrRetriesExhausted indicates the negotiator consumed its retry budget
	// without success.
	ErrRetriesExhausted = errors.New("machpay: retry budget exhausted")

	// ErrNetworkTimeout indicates a round trip did not complete in time.
	// Distinct from rejection; retryable within the budget.
	ErrNetworkTimeout = errors.New("machpay: network timeout")

	// ErrReplayedNonce indicates a nonce that was already consumed.
	// Always fatal for that intent.
	ErrReplayedNonce = errors.New("machpay: replayed nonce")

	// ErrUnknownNonce indicates an intent referencing a nonce the gateway
	// never issued, or one whose ledger entry has expired.
	ErrUnknownNonce = errors.New("machpay: unknown nonce")

	// ErrExpiredIntent indicates an intent submitted past its deadline.
	ErrExpiredIntent = errors.New("machpay: intent deadline passed")

	// ErrAmountMismatch indicates an intent amount that does not exactly
	// match the issued challenge.
	ErrAmountMismatch = errors.New("machpay: amount mismatch")

	// ErrBadSignature indicates a signature that does not verify against
	// the canonical intent bytes and the claimed requester key.
	ErrBadSignature = errors.New("machpay: invalid signature")

	// ErrMalformedIntent indicates intent bytes that cannot be decoded.
	ErrMalformedIntent = errors.New("machpay: malformed intent")

	// ErrMalformedProof indicates an invalid payment proof header.
	ErrMalformedProof = errors.New("machpay: malformed proof header")

	// ErrNonceCollision indicates the issuer could not reserve a fresh
	// nonce. A collision against a live entry is a protocol-breaking
	// condition and never resolved by reuse.
	ErrNonceCollision = errors.New("machpay: nonce collision")
)

// ErrorCode represents protocol error codes for programmatic handling.
type ErrorCode string

const (
	// ErrCodeMalformedChallenge indicates a structurally invalid challenge.
	ErrCodeMalformedChallenge ErrorCode = "MALFORMED_CHALLENGE"

	// ErrCodeInsufficientFunds indicates the solvency check failed.
	ErrCodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"

	// ErrCodePaymentRejected indicates the gateway refused the intent.
	ErrCodePaymentRejected ErrorCode = "PAYMENT_REJECTED"

	// ErrCodeRetriesExhausted indicates the retry budget is spent.
	ErrCodeRetriesExhausted ErrorCode = "RETRIES_EXHAUSTED"

	// ErrCodeNetworkTimeout indicates a round trip timed out.
	ErrCodeNetworkTimeout ErrorCode = "NETWORK_TIMEOUT"

	// ErrCodeReplayedNonce indicates a replay was detected.
	ErrCodeReplayedNonce ErrorCode = "REPLAYED_NONCE"

	// ErrCodeSigningFailed indicates the signing operation failed.
	ErrCodeSigningFailed ErrorCode = "SIGNING_FAILED"
)

// ProtocolError provides structured error information.
type ProtocolError struct {
	// Code is the error code for programmatic handling.
	Code ErrorCode

	// Message is the human-readable error message.
	Message string

	// Details contains additional error context.
	Details map[string]interface{}

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError with the given code and message.
func NewProtocolError(code ErrorCode, message string, err error) *ProtocolError {
	return &ProtocolError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails adds additional context to the error.
// Lazily initializes the Details map if nil.
func (e *ProtocolError) WithDetails(key string, value interface{}) *ProtocolError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}
