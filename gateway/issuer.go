// Package gateway implements the authorizer side of the machpay
// protocol: challenge issuance, proof verification, settlement
// emission and HTTP payment gating.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/machpay-xyz/machpay"
	"github.com/machpay-xyz/machpay/noncestore"
)

// Issuer mints fresh challenges for unauthorized requests. Every
// challenge it returns is already reserved as pending in the nonce
// ledger, so an issued-but-never-redeemed challenge still blocks nonce
// reuse until it expires.
type Issuer struct {
	gateway solana.PublicKey
	mint    solana.PublicKey
	ledger  noncestore.Ledger
	cfg     machpay.IssuerConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewIssuer creates a challenge issuer for the gateway identified by
// the given public key, accepting payment in the given mint.
func NewIssuer(gateway solana.PublicKey, mint solana.PublicKey, ledger noncestore.Ledger, cfg machpay.IssuerConfig) (*Issuer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gateway: invalid issuer config: %w", err)
	}
	if gateway.IsZero() {
		return nil, fmt.Errorf("gateway: issuer requires a gateway key")
	}
	if ledger == nil {
		return nil, fmt.Errorf("gateway: issuer requires a nonce ledger")
	}

	return &Issuer{
		gateway: gateway,
		mint:    mint,
		ledger:  ledger,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}, nil
}

// Issue mints a challenge for the named resource at the given price.
// The nonce comes from crypto/rand; a collision against a live ledger
// entry is retried a bounded number of times and then surfaced as an
// error. An old nonce is never reused, since that would let an old
// signed intent be replayed.
func (i *Issuer) Issue(ctx context.Context, resourceID string, amount uint64) (*machpay.Challenge, error) {
	if resourceID == "" {
		return nil, fmt.Errorf("gateway: empty resource id")
	}
	if amount == 0 {
		return nil, fmt.Errorf("gateway: zero amount")
	}

	ttl := i.cfg.ChallengeWindow + i.cfg.NonceGrace

	for attempt := 0; attempt < i.cfg.MaxNonceAttempts; attempt++ {
		nonce, err := randomNonce()
		if err != nil {
			return nil, fmt.Errorf("gateway: nonce generation: %w", err)
		}

		c := machpay.Challenge{
			GatewayID:  i.gateway,
			Amount:     amount,
			Mint:       i.mint,
			Nonce:      nonce,
			Deadline:   i.now().Add(i.cfg.ChallengeWindow).Unix(),
			ResourceID: resourceID,
		}

		err = i.ledger.Reserve(ctx, c, ttl)
		if err == nil {
			return &c, nil
		}
		if !errors.Is(err, noncestore.ErrExists) {
			return nil, fmt.Errorf("gateway: reserve nonce: %w", err)
		}

		i.logger.Warn("nonce collision on issuance, regenerating",
			"nonce", nonce, "attempt", attempt+1)
	}

	return nil, machpay.ErrNonceCollision
}

// randomNonce draws a 64-bit nonce from the system CSPRNG.
func randomNonce() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
