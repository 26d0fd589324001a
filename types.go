// Package machpay implements the x402 payment authorization protocol.
//
// The protocol lets an autonomous agent (the requester) pay a service
// gateway (the authorizer) for individual API calls, with the payment
// proof carried inline in HTTP:
//   - the gateway answers an unauthenticated request with a 402
//     challenge naming a price, an asset mint, a nonce and a deadline,
//   - the agent signs a payment intent over those terms with its
//     ed25519 key and retries the request with a proof header,
//   - the gateway verifies the proof, consumes the nonce exactly once,
//     serves the resource and hands a receipt to settlement.
//
// Settlement itself (ledger finality, fees) is out of scope; the
// gateway only emits verified receipts to an external sink.
//
// Import path: github.com/machpay-xyz/machpay
package machpay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ProtocolVersion is the wire version carried in the intent discriminator.
const ProtocolVersion = 1

// HeaderPaymentProof is the request header carrying the signed payment proof.
const HeaderPaymentProof = "X-Payment-Proof"

// HeaderPaymentReceipt is the response header carrying the verification receipt.
const HeaderPaymentReceipt = "X-Payment-Receipt"

// Challenge is the set of unsigned payment terms a gateway issues in a
// 402 response. A challenge is valid until its deadline and dies
// permanently once a matching intent has been verified.
type Challenge struct {
	// GatewayID is the public key identifying the gateway.
	GatewayID solana.PublicKey

	// Amount is the price in the smallest unit of the asset. No implicit decimals.
	Amount uint64

	// Mint is the asset accepted for payment.
	Mint solana.PublicKey

	// Nonce is unique per gateway for the life of the deadline window.
	Nonce uint64

	// Deadline is the unix timestamp (seconds) after which the challenge is void.
	Deadline int64

	// ResourceID names the priced resource. It is bound into the
	// signature so a proof cannot be replayed against a different route.
	ResourceID string
}

// challengeWire is the transport form of a Challenge: all integers are
// decimal strings and keys are base58, per the 402 body convention.
// The signed byte format is separate (see Intent.Encode) and must not
// be conflated with this representation.
type challengeWire struct {
	GatewayID string `json:"gateway_id"`
	Cost      string `json:"cost"`
	Mint      string `json:"mint"`
	Nonce     string `json:"nonce"`
	Deadline  string `json:"deadline"`
	ServiceID string `json:"service_id"`
}

// MarshalJSON implements json.Marshaler using the textual wire form.
func (c Challenge) MarshalJSON() ([]byte, error) {
	return json.Marshal(challengeWire{
		GatewayID: c.GatewayID.String(),
		Cost:      strconv.FormatUint(c.Amount, 10),
		Mint:      c.Mint.String(),
		Nonce:     strconv.FormatUint(c.Nonce, 10),
		Deadline:  strconv.FormatInt(c.Deadline, 10),
		ServiceID: c.ResourceID,
	})
}

// UnmarshalJSON implements json.Unmarshaler for the textual wire form.
func (c *Challenge) UnmarshalJSON(data []byte) error {
	var w challengeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	gateway, err := solana.PublicKeyFromBase58(w.GatewayID)
	if err != nil {
		return fmt.Errorf("%w: invalid gateway_id: %v", ErrMalformedChallenge, err)
	}
	mint, err := solana.PublicKeyFromBase58(w.Mint)
	if err != nil {
		return fmt.Errorf("%w: invalid mint: %v", ErrMalformedChallenge, err)
	}
	amount, err := strconv.ParseUint(w.Cost, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid cost: %v", ErrMalformedChallenge, err)
	}
	nonce, err := strconv.ParseUint(w.Nonce, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid nonce: %v", ErrMalformedChallenge, err)
	}
	deadline, err := strconv.ParseInt(w.Deadline, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid deadline: %v", ErrMalformedChallenge, err)
	}

	c.GatewayID = gateway
	c.Amount = amount
	c.Mint = mint
	c.Nonce = nonce
	c.Deadline = deadline
	c.ResourceID = w.ServiceID
	return nil
}

// Validate checks the challenge structurally: all key fields present,
// a positive amount and a deadline in the future relative to now.
// A challenge that fails validation must never be signed.
func (c Challenge) Validate(now time.Time) error {
	if c.GatewayID.IsZero() {
		return fmt.Errorf("%w: missing gateway_id", ErrMalformedChallenge)
	}
	if c.Mint.IsZero() {
		return fmt.Errorf("%w: missing mint", ErrMalformedChallenge)
	}
	if c.Amount == 0 {
		return fmt.Errorf("%w: zero cost", ErrMalformedChallenge)
	}
	if c.ResourceID == "" {
		return fmt.Errorf("%w: missing service_id", ErrMalformedChallenge)
	}
	if c.Expired(now) {
		return fmt.Errorf("%w: deadline %d already passed", ErrMalformedChallenge, c.Deadline)
	}
	return nil
}

// Expired reports whether the challenge deadline has passed.
func (c Challenge) Expired(now time.Time) bool {
	return now.Unix() > c.Deadline
}

// Receipt is the record of one successful verification. It is the
// unit handed to the settlement sink once the resource has been served.
type Receipt struct {
	// Requester is the public key that signed the verified intent.
	Requester solana.PublicKey `json:"requester"`

	// Gateway is the gateway that verified the intent.
	Gateway solana.PublicKey `json:"gateway"`

	// Amount is the verified payment amount in atomic units.
	Amount uint64 `json:"amount"`

	// Mint is the asset the payment was denominated in.
	Mint solana.PublicKey `json:"mint"`

	// Nonce is the consumed nonce.
	Nonce uint64 `json:"nonce"`

	// ResourceID is the route the payment was bound to.
	ResourceID string `json:"resourceId"`

	// VerifiedAt is when verification succeeded.
	VerifiedAt time.Time `json:"verifiedAt"`
}

// BalanceSource reports an owner's balance for an asset. It is used by
// the negotiator's solvency check and may serve stale or cached data;
// the gateway-side verification is the authoritative backstop.
type BalanceSource interface {
	// Balance returns the owner's balance of mint in atomic units.
	Balance(ctx context.Context, owner solana.PublicKey, mint solana.PublicKey) (uint64, error)
}

// SettlementSink receives verified receipts for out-of-band settlement.
/// Emission is best-effort: a failure to emit must never unwind a
// request that was already served.
type SettlementSink interface {
	Emit(ctx context.Context, receipt *Receipt) error
}

// TelemetrySink records the outcome of paid calls. It is purely
// observational and never gates protocol decisions.
type TelemetrySink interface {
	Record(vendorID string, success bool, latency time.Duration, errorKind string)
}
