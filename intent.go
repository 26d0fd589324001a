package machpay

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
)

// intentDiscriminator identifies the message version and type. It is
// the first byte of every canonical intent encoding.
const intentDiscriminator = byte(ProtocolVersion)

// intentFixedLen is the length of the fixed portion of the encoding:
// discriminator (1) + requester key (32) + gateway key (32) +
// amount (8) + nonce (8) + deadline (8) + resource length prefix (2).
const intentFixedLen = 1 + 32 + 32 + 8 + 8 + 8 + 2

// Intent is the signed assertion "pay Amount of Mint-denominated units
// to Gateway under Nonce before Deadline, for ResourceID".
//
// Its canonical byte encoding is fixed field order, fixed widths,
// little-endian integers (matching Solana wire conventions), with the
// resource id as uint16 length-prefixed raw bytes. Both sides of the
// protocol must produce these bytes identically; the detached ed25519
// signature is computed over exactly this encoding with no envelope.
type Intent struct {
	// Requester is the paying agent's public key.
	Requester solana.PublicKey

	// Gateway is the gateway's public key.
	Gateway solana.PublicKey

	// Amount is the payment amount in atomic units.
	Amount uint64

	// Nonce is the challenge nonce the intent is bound to.
	Nonce uint64

	// Deadline is the unix timestamp (seconds) the intent is valid until.
	Deadline int64

	// ResourceID binds the intent to one priced route.
	ResourceID string
}

// IntentFromChallenge builds the intent a requester must sign to
// satisfy the given challenge.
func IntentFromChallenge(c Challenge, requester solana.PublicKey) Intent {
	return Intent{
		Requester:  requester,
		Gateway:    c.GatewayID,
		Amount:     c.Amount,
		Nonce:      c.Nonce,
		Deadline:   c.Deadline,
		ResourceID: c.ResourceID,
	}
}

// Encode returns the canonical byte encoding of the intent.
// Returns ErrMalformedIntent if the resource id exceeds the uint16
// length prefix.
func (i Intent) Encode() ([]byte, error) {
	resource := []byte(i.ResourceID)
	if len(resource) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: resource id too long (%d bytes)", ErrMalformedIntent, len(resource))
	}

	buf := make([]byte, 0, intentFixedLen+len(resource))
	buf = append(buf, intentDiscriminator)
	buf = append(buf, i.Requester[:]...)
	buf = append(buf, i.Gateway[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, i.Amount)
	buf = binary.LittleEndian.AppendUint64(buf, i.Nonce)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(i.Deadline))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(resource)))
	buf = append(buf, resource...)
	return buf, nil
}

// DecodeIntent parses a canonical intent encoding. Decoding is strict:
// a wrong discriminator, truncated input or trailing bytes all fail.
func DecodeIntent(data []byte) (Intent, error) {
	var i Intent

	if len(data) < intentFixedLen {
		return i, fmt.Errorf("%w: truncated (%d bytes)", ErrMalformedIntent, len(data))
	}
	if data[0] != intentDiscriminator {
		return i, fmt.Errorf("%w: unknown discriminator 0x%02x", ErrMalformedIntent, data[0])
	}

	offset := 1
	copy(i.Requester[:], data[offset:offset+32])
	offset += 32
	copy(i.Gateway[:], data[offset:offset+32])
	offset += 32
	i.Amount = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	i.Nonce = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	i.Deadline = int64(binary.LittleEndian.Uint64(data[offset:]))
	offset += 8
	resourceLen := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if len(data) != offset+resourceLen {
		return i, fmt.Errorf("%w: length %d does not match resource prefix %d", ErrMalformedIntent, len(data), resourceLen)
	}
	i.ResourceID = string(data[offset:])

	return i, nil
}

// Sign produces the detached ed25519 signature over the canonical
// encoding. Signing is a pure function of the intent and the key; the
// key never leaves the caller.
func (i Intent) Sign(key solana.PrivateKey) (solana.Signature, error) {
	msg, err := i.Encode()
	if err != nil {
		return solana.Signature{}, err
	}

	sig, err := key.Sign(msg)
	if err != nil {
		return solana.Signature{}, NewProtocolError(ErrCodeSigningFailed, "failed to sign intent", err)
	}
	return sig, nil
}

// VerifySignature recomputes the canonical encoding and checks the
// detached signature against the intent's requester key. Changing any
// field of the intent invalidates the signature.
func (i Intent) VerifySignature(sig solana.Signature) bool {
	msg, err := i.Encode()
	if err != nil {
		return false
	}
	return sig.Verify(i.Requester, msg)
}

// Expired reports whether the intent deadline has passed.
func (i Intent) Expired(now time.Time) bool {
	return now.Unix() > i.Deadline
}
