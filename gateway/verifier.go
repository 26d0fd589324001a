package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/machpay-xyz/machpay"
	"github.com/machpay-xyz/machpay/encoding"
	"github.com/machpay-xyz/machpay/noncestore"
)

// Verifier validates submitted payment intents against the nonce
// ledger and the challenges the gateway issued. Checks run in a fixed
// order and short-circuit on the first failure; the ledger is mutated
// only on the final, successful step, so a rejected attempt never
// burns its nonce and the client can resubmit a corrected proof before
// the deadline.
type Verifier struct {
	gateway solana.PublicKey
	ledger  noncestore.Ledger
	logger  *slog.Logger
	now     func() time.Time
}

// NewVerifier creates a verifier for the gateway identified by the
// given public key, backed by the same ledger its issuer reserves into.
func NewVerifier(gateway solana.PublicKey, ledger noncestore.Ledger) (*Verifier, error) {
	if gateway.IsZero() {
		return nil, fmt.Errorf("gateway: verifier requires a gateway key")
	}
	if ledger == nil {
		return nil, fmt.Errorf("gateway: verifier requires a nonce ledger")
	}
	return &Verifier{
		gateway: gateway,
		ledger:  ledger,
		logger:  slog.Default(),
		now:     time.Now,
	}, nil
}

// Verify validates an intent and its detached signature. On success it
// consumes the nonce and returns a receipt for the settlement sink.
//
// The check order is structural, freshness, nonce lookup, amount and
// binding, signature, then the atomic pending-to-consumed transition.
// Freshness is enforced before the signature check: a stale intent is
// rejected even when perfectly signed.
func (v *Verifier) Verify(ctx context.Context, intent machpay.Intent, sig solana.Signature) (*machpay.Receipt, error) {
	// Structural check.
	if intent.Requester.IsZero() {
		return nil, fmt.Errorf("%w: missing requester key", machpay.ErrMalformedIntent)
	}
	if intent.Gateway != v.gateway {
		return nil, fmt.Errorf("%w: intent addressed to wrong gateway", machpay.ErrPaymentRejected)
	}
	if intent.ResourceID == "" {
		return nil, fmt.Errorf("%w: missing resource id", machpay.ErrMalformedIntent)
	}

	// Freshness.
	now := v.now()
	if intent.Expired(now) {
		return nil, machpay.ErrExpiredIntent
	}

	// Nonce lookup. Absence covers both never-issued and evicted
	// nonces; a consumed entry is a replay and logged as a security
	// event, not an ordinary rejection.
	challenge, err := v.ledger.Pending(ctx, v.gateway, intent.Nonce)
	if err != nil {
		if errors.Is(err, noncestore.ErrConsumed) {
			v.logger.Warn("replayed nonce detected",
				"nonce", intent.Nonce, "requester", intent.Requester.String())
			return nil, machpay.ErrReplayedNonce
		}
		if errors.Is(err, noncestore.ErrNotFound) {
			return nil, machpay.ErrUnknownNonce
		}
		return nil, fmt.Errorf("gateway: nonce lookup: %w", err)
	}

	// Amount and binding must match the issued challenge exactly.
	// No partial payments, no rounding tolerance.
	if intent.Amount != challenge.Amount {
		return nil, fmt.Errorf("%w: got %d, challenge requires %d",
			machpay.ErrAmountMismatch, intent.Amount, challenge.Amount)
	}
	if intent.ResourceID != challenge.ResourceID {
		return nil, fmt.Errorf("%w: intent bound to %q, challenge issued for %q",
			machpay.ErrPaymentRejected, intent.ResourceID, challenge.ResourceID)
	}
	if intent.Deadline != challenge.Deadline {
		return nil, fmt.Errorf("%w: intent deadline diverges from challenge", machpay.ErrPaymentRejected)
	}

	// Signature over the recomputed canonical bytes.
	if !intent.VerifySignature(sig) {
		return nil, machpay.ErrBadSignature
	}

	// Atomic consumption. Of N concurrent verifications holding the
	// same valid proof, exactly one passes this step.
	if err := v.ledger.Consume(ctx, v.gateway, intent.Nonce); err != nil {
		if errors.Is(err, noncestore.ErrConsumed) {
			v.logger.Warn("replayed nonce detected at consumption",
				"nonce", intent.Nonce, "requester", intent.Requester.String())
			return nil, machpay.ErrReplayedNonce
		}
		if errors.Is(err, noncestore.ErrNotFound) {
			return nil, machpay.ErrUnknownNonce
		}
		return nil, fmt.Errorf("gateway: consume nonce: %w", err)
	}

	return &machpay.Receipt{
		Requester:  intent.Requester,
		Gateway:    v.gateway,
		Amount:     intent.Amount,
		Mint:       challenge.Mint,
		Nonce:      intent.Nonce,
		ResourceID: intent.ResourceID,
		VerifiedAt: now,
	}, nil
}

// VerifyProof reconstructs the intent from a parsed proof header plus
// the challenge the gateway issued for its nonce, then runs Verify.
// This is the path the HTTP middleware takes: the wire proof carries
// only the signature, the agent key and the nonce, and the gateway
// already knows the rest of the terms.
func (v *Verifier) VerifyProof(ctx context.Context, proof encoding.Proof) (*machpay.Receipt, error) {
	challenge, err := v.ledger.Pending(ctx, v.gateway, proof.Nonce)
	if err != nil {
		if errors.Is(err, noncestore.ErrConsumed) {
			v.logger.Warn("replayed nonce detected",
				"nonce", proof.Nonce, "requester", proof.Agent.String())
			return nil, machpay.ErrReplayedNonce
		}
		if errors.Is(err, noncestore.ErrNotFound) {
			return nil, machpay.ErrUnknownNonce
		}
		return nil, fmt.Errorf("gateway: nonce lookup: %w", err)
	}

	intent := machpay.IntentFromChallenge(challenge, proof.Agent)
	return v.Verify(ctx, intent, proof.Signature)
}
