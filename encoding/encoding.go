// Package encoding provides wire codecs for the machpay protocol: the
// JSON body of a 402 challenge and the semicolon-delimited payment
// proof header. The canonical signed byte format lives with the Intent
// type; nothing here feeds the signature.
package encoding

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/machpay-xyz/machpay"
)

// Proof is the parsed form of the payment proof header.
type Proof struct {
	// Signature is the detached ed25519 signature over the canonical
	// intent bytes.
	Signature solana.Signature

	// Agent is the requester public key the signature is claimed under.
	Agent solana.PublicKey

	// Nonce identifies the challenge the proof answers.
	Nonce uint64
}

// EncodeChallenge converts a Challenge to its JSON wire form.
func EncodeChallenge(c machpay.Challenge) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal challenge: %w", err)
	}
	return data, nil
}

// DecodeChallenge parses the JSON wire form of a Challenge.
func DecodeChallenge(data []byte) (machpay.Challenge, error) {
	var c machpay.Challenge
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("%w: %v", machpay.ErrMalformedChallenge, err)
	}
	return c, nil
}

// WriteChallenge writes a 402 Payment Required response carrying the
// challenge as its JSON body.
func WriteChallenge(w http.ResponseWriter, c machpay.Challenge) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	if err := json.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("encoding challenge response: %w", err)
	}
	return nil
}

// BuildProofHeader formats a proof as the payment header value:
// sig=<base58>;agent=<base58>;nonce=<decimal>.
func BuildProofHeader(p Proof) string {
	return "sig=" + p.Signature.String() +
		";agent=" + p.Agent.String() +
		";nonce=" + strconv.FormatUint(p.Nonce, 10)
}

// ParseProofHeader parses a payment proof header value. Parsing is
// strict: all three keys are required, duplicates and unknown keys are
// rejected. Returns ErrMalformedProof on any violation.
func ParseProofHeader(value string) (Proof, error) {
	var p Proof
	if value == "" {
		return p, fmt.Errorf("%w: empty header", machpay.ErrMalformedProof)
	}

	seen := make(map[string]bool, 3)
	for _, part := range strings.Split(value, ";") {
		key, val, ok := strings.Cut(part, "=")
		if !ok || val == "" {
			return p, fmt.Errorf("%w: bad segment %q", machpay.ErrMalformedProof, part)
		}
		if seen[key] {
			return p, fmt.Errorf("%w: duplicate key %q", machpay.ErrMalformedProof, key)
		}
		seen[key] = true

		switch key {
		case "sig":
			sig, err := solana.SignatureFromBase58(val)
			if err != nil {
				return p, fmt.Errorf("%w: invalid sig: %v", machpay.ErrMalformedProof, err)
			}
			p.Signature = sig
		case "agent":
			agent, err := solana.PublicKeyFromBase58(val)
			if err != nil {
				return p, fmt.Errorf("%w: invalid agent: %v", machpay.ErrMalformedProof, err)
			}
			p.Agent = agent
		case "nonce":
			nonce, err := strconv.ParseUint(val, 10, 64)
			if err != nil {
				return p, fmt.Errorf("%w: invalid nonce: %v", machpay.ErrMalformedProof, err)
			}
			p.Nonce = nonce
		default:
			return p, fmt.Errorf("%w: unknown key %q", machpay.ErrMalformedProof, key)
		}
	}

	for _, key := range []string{"sig", "agent", "nonce"} {
		if !seen[key] {
			return p, fmt.Errorf("%w: missing key %q", machpay.ErrMalformedProof, key)
		}
	}

	return p, nil
}

// EncodeReceipt converts a Receipt to JSON for the receipt response header.
func EncodeReceipt(r machpay.Receipt) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to marshal receipt: %w", err)
	}
	return string(data), nil
}

// DecodeReceipt parses the JSON form of a Receipt.
// Returns nil if the value is empty or cannot be parsed.
func DecodeReceipt(value string) *machpay.Receipt {
	if value == "" {
		return nil
	}
	var r machpay.Receipt
	if err := json.Unmarshal([]byte(value), &r); err != nil {
		return nil
	}
	return &r
}
