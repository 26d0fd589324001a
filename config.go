package machpay

import (
	"fmt"
	"time"
)

// IssuerConfig holds challenge issuance configuration for the gateway.
type IssuerConfig struct {
	// ChallengeWindow is how long an issued challenge stays valid.
	// Short windows (seconds, not minutes) bound replay exposure.
	ChallengeWindow time.Duration

	// NonceGrace is how long a ledger entry outlives its deadline
	// before eviction, so late replays are still recognized.
	NonceGrace time.Duration

	// MaxNonceAttempts bounds how many times the issuer retries nonce
	// generation when it collides with a live entry.
	MaxNonceAttempts int
}

// DefaultIssuerConfig provides sensible defaults for challenge issuance.
var DefaultIssuerConfig = IssuerConfig{
	ChallengeWindow:  30 * time.Second,
	NonceGrace:       5 * time.Second,
	MaxNonceAttempts: 4,
}

// Validate ensures issuer configuration values are reasonable.
func (c IssuerConfig) Validate() error {
	if c.ChallengeWindow <= 0 {
		return fmt.Errorf("challenge window must be positive, got %v", c.ChallengeWindow)
	}
	if c.NonceGrace < 0 {
		return fmt.Errorf("nonce grace must be non-negative, got %v", c.NonceGrace)
	}
	if c.MaxNonceAttempts <= 0 {
		return fmt.Errorf("max nonce attempts must be positive, got %d", c.MaxNonceAttempts)
	}
	return nil
}

// NegotiatorConfig holds retry and timeout configuration for the
// requester-side negotiation loop.
type NegotiatorConfig struct {
	// MaxRetries bounds the challenge->sign->retry loop. Each fresh
	// challenge consumes one unit of this budget.
	MaxRetries int

	// AttemptTimeout is the deadline for each network round trip.
	AttemptTimeout time.Duration
}

// DefaultNegotiatorConfig provides sensible defaults for negotiation.
var DefaultNegotiatorConfig = NegotiatorConfig{
	MaxRetries:     3,
	AttemptTimeout: 10 * time.Second,
}

// WithMaxRetries returns a new NegotiatorConfig with an updated retry budget.
func (c NegotiatorConfig) WithMaxRetries(n int) NegotiatorConfig {
	c.MaxRetries = n
	return c
}

// WithAttemptTimeout returns a new NegotiatorConfig with an updated
// per-round-trip deadline.
func (c NegotiatorConfig) WithAttemptTimeout(d time.Duration) NegotiatorConfig {
	c.AttemptTimeout = d
	return c
}

// Validate ensures negotiator configuration values are reasonable.
func (c NegotiatorConfig) Validate() error {
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive, got %d", c.MaxRetries)
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt timeout must be positive, got %v", c.AttemptTimeout)
	}
	return nil
}
