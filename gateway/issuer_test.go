package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/machpay-xyz/machpay"
	"github.com/machpay-xyz/machpay/noncestore"
)

func testKeys(t *testing.T) (gateway solana.PrivateKey, mint solana.PublicKey) {
	t.Helper()
	gw, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate gateway key: %v", err)
	}
	mk, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate mint key: %v", err)
	}
	return gw, mk.PublicKey()
}

func TestNewIssuerValidation(t *testing.T) {
	gw, mint := testKeys(t)
	ledger := noncestore.NewMemory()
	defer ledger.Close()

	if _, err := NewIssuer(solana.PublicKey{}, mint, ledger, machpay.DefaultIssuerConfig); err == nil {
		t.Error("expected error for zero gateway key")
	}
	if _, err := NewIssuer(gw.PublicKey(), mint, nil, machpay.DefaultIssuerConfig); err == nil {
		t.Error("expected error for nil ledger")
	}
	if _, err := NewIssuer(gw.PublicKey(), mint, ledger, machpay.IssuerConfig{}); err == nil {
		t.Error("expected error for zero config")
	}
}

func TestIssueReservesBeforeReturn(t *testing.T) {
	gw, mint := testKeys(t)
	ledger := noncestore.NewMemory()
	defer ledger.Close()

	issuer, err := NewIssuer(gw.PublicKey(), mint, ledger, machpay.DefaultIssuerConfig)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}

	c, err := issuer.Issue(context.Background(), "/api/v1/quote", 1000)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if c.GatewayID != gw.PublicKey() {
		t.Errorf("challenge carries wrong gateway: %s", c.GatewayID)
	}
	if c.Mint != mint {
		t.Errorf("challenge carries wrong mint: %s", c.Mint)
	}
	if c.Amount != 1000 {
		t.Errorf("challenge amount = %d, want 1000", c.Amount)
	}
	if c.ResourceID != "/api/v1/quote" {
		t.Errorf("challenge resource = %q", c.ResourceID)
	}
	if c.Expired(time.Now()) {
		t.Error("freshly issued challenge is already expired")
	}

	// The nonce must be pending before the challenge is handed out.
	got, err := ledger.Pending(context.Background(), c.GatewayID, c.Nonce)
	if err != nil {
		t.Fatalf("issued nonce not pending in ledger: %v", err)
	}
	if got != *c {
		t.Errorf("ledger holds a different challenge: %+v", got)
	}
}

func TestIssueDistinctNonces(t *testing.T) {
	gw, mint := testKeys(t)
	ledger := noncestore.NewMemory()
	defer ledger.Close()

	issuer, err := NewIssuer(gw.PublicKey(), mint, ledger, machpay.DefaultIssuerConfig)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}

	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		c, err := issuer.Issue(context.Background(), "/api/v1/quote", 1000)
		if err != nil {
			t.Fatalf("Issue %d failed: %v", i, err)
		}
		if seen[c.Nonce] {
			t.Fatalf("nonce %d issued twice", c.Nonce)
		}
		seen[c.Nonce] = true
	}
}

func TestIssueRejectsZeroInputs(t *testing.T) {
	gw, mint := testKeys(t)
	ledger := noncestore.NewMemory()
	defer ledger.Close()

	issuer, err := NewIssuer(gw.PublicKey(), mint, ledger, machpay.DefaultIssuerConfig)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}

	if _, err := issuer.Issue(context.Background(), "", 1000); err == nil {
		t.Error("expected error for empty resource id")
	}
	if _, err := issuer.Issue(context.Background(), "/api/v1/quote", 0); err == nil {
		t.Error("expected error for zero amount")
	}
}

// collidingLedger reports every reservation as a collision.
type collidingLedger struct {
	attempts int
}

func (l *collidingLedger) Reserve(context.Context, machpay.Challenge, time.Duration) error {
	l.attempts++
	return noncestore.ErrExists
}

func (l *collidingLedger) Pending(context.Context, solana.PublicKey, uint64) (machpay.Challenge, error) {
	return machpay.Challenge{}, noncestore.ErrNotFound
}

func (l *collidingLedger) Consume(context.Context, solana.PublicKey, uint64) error {
	return noncestore.ErrNotFound
}

func (l *collidingLedger) Close() error { return nil }

func TestIssueNonceCollisionExhaustion(t *testing.T) {
	gw, mint := testKeys(t)
	ledger := &collidingLedger{}

	issuer, err := NewIssuer(gw.PublicKey(), mint, ledger, machpay.DefaultIssuerConfig)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}

	_, err = issuer.Issue(context.Background(), "/api/v1/quote", 1000)
	if !errors.Is(err, machpay.ErrNonceCollision) {
		t.Errorf("expected ErrNonceCollision, got %v", err)
	}
	if ledger.attempts != machpay.DefaultIssuerConfig.MaxNonceAttempts {
		t.Errorf("reservation attempts = %d, want %d",
			ledger.attempts, machpay.DefaultIssuerConfig.MaxNonceAttempts)
	}
}
