// Package agent implements the requester side of the machpay
// protocol: the challenge negotiation state machine, an
// http.RoundTripper that drives it transparently, and an RPC-backed
// balance source for the solvency check.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/machpay-xyz/machpay"
	"github.com/machpay-xyz/machpay/encoding"
)

// State is the negotiator's position in the payment flow. It is an
// explicit tagged value rather than implicit control flow so tests can
// assert on intermediate states directly.
type State string

const (
	// StateUnattempted means no request has been sent yet.
	StateUnattempted State = "unattempted"

	// StateChallengeReceived means a 402 challenge was parsed and validated.
	StateChallengeReceived State = "challenge_received"

	// StateSigned means an intent for the current challenge was signed.
	StateSigned State = "signed"

	// StateRetried means the request was resubmitted with a proof attached.
	StateRetried State = "retried"

	// StateFulfilled means the gateway served the resource.
	StateFulfilled State = "fulfilled"

	// StateRejected means the flow terminated on a non-retryable error.
	StateRejected State = "rejected"

	// StateExhausted means the retry budget was consumed without success.
	StateExhausted State = "exhausted"
)

// Negotiator drives the request -> 402 -> sign -> retry loop for one
// outgoing call. It is not safe for concurrent use: create one
// negotiator per call. Concurrent calls share only the read-only
// signing key and the balance source.
type Negotiator struct {
	key     solana.PrivateKey
	pub     solana.PublicKey
	balance machpay.BalanceSource
	cfg     machpay.NegotiatorConfig

	state    State
	attempts int
	now      func() time.Time
}

// NewNegotiator creates a negotiator for one paid call.
func NewNegotiator(key solana.PrivateKey, balance machpay.BalanceSource, cfg machpay.NegotiatorConfig) (*Negotiator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent: invalid negotiator config: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("agent: negotiator requires a signing key")
	}
	if balance == nil {
		return nil, fmt.Errorf("agent: negotiator requires a balance source")
	}

	return &Negotiator{
		key:     key,
		pub:     key.PublicKey(),
		balance: balance,
		cfg:     cfg,
		state:   StateUnattempted,
		now:     time.Now,
	}, nil
}

// State returns the negotiator's current state.
func (n *Negotiator) State() State {
	return n.state
}

// Attempts returns how much of the retry budget has been consumed.
func (n *Negotiator) Attempts() int {
	return n.attempts
}

// Do executes the negotiation loop for the given request: send, and on
// a 402, parse and validate the challenge, check solvency, sign an
// intent and resubmit with the proof attached. Each fresh challenge
// and each timeout consumes one unit of the retry budget; exceeding it
// surfaces ErrRetriesExhausted. Terminal errors are never swallowed.
func (n *Negotiator) Do(ctx context.Context, req *http.Request, base http.RoundTripper) (*http.Response, error) {
	if base == nil {
		base = http.DefaultTransport
	}

	var proof string
	var lastErr error

	for {
		resp, err := n.attempt(ctx, base, req, proof)
		if err != nil {
			if !isTimeout(err) {
				n.state = StateRejected
				return nil, err
			}
			// A hung round trip is a distinct error kind from a
			// rejection and retryable within the budget.
			lastErr = fmt.Errorf("%w: %v", machpay.ErrNetworkTimeout, err)
			n.attempts++
			if n.attempts >= n.cfg.MaxRetries {
				n.state = StateExhausted
				return nil, exhausted(lastErr)
			}
			continue
		}

		if resp.StatusCode != http.StatusPaymentRequired {
			n.state = StateFulfilled
			return resp, nil
		}

		if proof != "" {
			// The gateway refused the previous proof.
			lastErr = machpay.ErrPaymentRejected
		}

		challenge, err := readChallenge(resp)
		if err != nil {
			n.state = StateRejected
			return nil, err
		}
		if err := challenge.Validate(n.now()); err != nil {
			// Malformed or already-expired challenges are never signed.
			n.state = StateRejected
			return nil, err
		}
		n.state = StateChallengeReceived

		if n.attempts >= n.cfg.MaxRetries {
			n.state = StateExhausted
			return nil, exhausted(lastErr)
		}

		if err := n.checkSolvency(ctx, challenge); err != nil {
			n.state = StateRejected
			return nil, err
		}

		intent := machpay.IntentFromChallenge(challenge, n.pub)
		sig, err := intent.Sign(n.key)
		if err != nil {
			n.state = StateRejected
			return nil, err
		}
		n.state = StateSigned
		n.attempts++

		proof = encoding.BuildProofHeader(encoding.Proof{
			Signature: sig,
			Agent:     n.pub,
			Nonce:     challenge.Nonce,
		})
	}
}

// attempt performs one round trip with a per-attempt deadline,
// attaching the proof header when one is set.
func (n *Negotiator) attempt(ctx context.Context, base http.RoundTripper, req *http.Request, proof string) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, n.cfg.AttemptTimeout)

	reqCopy := req.Clone(attemptCtx)
	if proof != "" {
		reqCopy.Header.Set(machpay.HeaderPaymentProof, proof)
		n.state = StateRetried
	}

	resp, err := base.RoundTrip(reqCopy)
	if err != nil {
		cancel()
		return nil, err
	}

	// Tie the attempt context to the response body so the caller can
	// keep reading a successful response after Do returns.
	resp.Body = &cancelingBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// checkSolvency fails fast with an insufficiency error rather than
// sign and submit a doomed request. The balance source may be stale;
// gateway-side rejection remains the authoritative backstop.
func (n *Negotiator) checkSolvency(ctx context.Context, c machpay.Challenge) error {
	balance, err := n.balance.Balance(ctx, n.pub, c.Mint)
	if err != nil {
		return fmt.Errorf("agent: balance lookup: %w", err)
	}
	if balance < c.Amount {
		return NewInsufficientFundsError(c.Amount, balance, c.Mint)
	}
	return nil
}

// NewInsufficientFundsError builds the structured solvency failure.
func NewInsufficientFundsError(required, available uint64, mint solana.PublicKey) error {
	return machpay.NewProtocolError(
		machpay.ErrCodeInsufficientFunds,
		"balance does not cover challenge amount",
		machpay.ErrInsufficientFunds,
	).WithDetails("required", required).
		WithDetails("available", available).
		WithDetails("mint", mint.String())
}

// readChallenge parses and closes a 402 response body.
func readChallenge(resp *http.Response) (machpay.Challenge, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return machpay.Challenge{}, fmt.Errorf("%w: reading body: %v", machpay.ErrMalformedChallenge, err)
	}
	return encoding.DecodeChallenge(body)
}

// exhausted wraps the last per-attempt error into the terminal budget error.
func exhausted(lastErr error) error {
	err := machpay.NewProtocolError(
		machpay.ErrCodeRetriesExhausted,
		"retry budget consumed without success",
		machpay.ErrRetriesExhausted,
	)
	if lastErr != nil {
		err = err.WithDetails("lastError", lastErr.Error())
	}
	return err
}

// isTimeout reports whether a round-trip error was a timeout rather
// than an outright failure.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// cancelingBody releases the attempt context when the response body is
// closed.
type cancelingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelingBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
