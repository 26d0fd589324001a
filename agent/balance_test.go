package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// fakeRPCClient serves canned token balances and counts lookups.
type fakeRPCClient struct {
	amount string
	err    error
	calls  atomic.Int64
}

func (f *fakeRPCClient) GetTokenAccountBalance(_ context.Context, _ solana.PublicKey, _ rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &rpc.GetTokenAccountBalanceResult{
		Value: &rpc.UiTokenAmount{Amount: f.amount},
	}, nil
}

func balanceFixture(t *testing.T) (owner, mint solana.PublicKey) {
	t.Helper()
	ownerKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate owner key: %v", err)
	}
	mintKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("failed to generate mint key: %v", err)
	}
	return ownerKey.PublicKey(), mintKey.PublicKey()
}

func TestRPCBalanceSource(t *testing.T) {
	owner, mint := balanceFixture(t)
	client := &fakeRPCClient{amount: "123456"}
	source := NewRPCBalanceSource("", WithRPCClient(client))

	got, err := source.Balance(context.Background(), owner, mint)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if got != 123456 {
		t.Errorf("balance = %d, want 123456", got)
	}
}

func TestRPCBalanceSourceCaches(t *testing.T) {
	owner, mint := balanceFixture(t)
	client := &fakeRPCClient{amount: "500"}
	source := NewRPCBalanceSource("", WithRPCClient(client), WithCacheTTL(time.Hour))

	for i := 0; i < 5; i++ {
		if _, err := source.Balance(context.Background(), owner, mint); err != nil {
			t.Fatalf("Balance %d failed: %v", i, err)
		}
	}
	if got := client.calls.Load(); got != 1 {
		t.Errorf("RPC lookups = %d, want 1 (cached)", got)
	}

	// Invalidation forces the next check back to the endpoint.
	source.Invalidate(owner, mint)
	if _, err := source.Balance(context.Background(), owner, mint); err != nil {
		t.Fatalf("Balance after invalidate failed: %v", err)
	}
	if got := client.calls.Load(); got != 2 {
		t.Errorf("RPC lookups = %d, want 2 after invalidation", got)
	}
}

func TestRPCBalanceSourceErrors(t *testing.T) {
	owner, mint := balanceFixture(t)

	t.Run("rpc failure", func(t *testing.T) {
		client := &fakeRPCClient{err: errors.New("node unavailable")}
		source := NewRPCBalanceSource("", WithRPCClient(client))
		if _, err := source.Balance(context.Background(), owner, mint); err == nil {
			t.Error("expected error from failing RPC client")
		}
	})

	t.Run("unparseable amount", func(t *testing.T) {
		client := &fakeRPCClient{amount: "not-a-number"}
		source := NewRPCBalanceSource("", WithRPCClient(client))
		if _, err := source.Balance(context.Background(), owner, mint); err == nil {
			t.Error("expected error for unparseable amount")
		}
	})
}

func TestStaticBalanceSource(t *testing.T) {
	_, mint := balanceFixture(t)
	source := &StaticBalanceSource{Amounts: map[solana.PublicKey]uint64{mint: 42}}

	got, err := source.Balance(context.Background(), solana.PublicKey{}, mint)
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if got != 42 {
		t.Errorf("balance = %d, want 42", got)
	}

	got, err = source.Balance(context.Background(), solana.PublicKey{}, solana.PublicKey{})
	if err != nil {
		t.Fatalf("Balance failed: %v", err)
	}
	if got != 0 {
		t.Errorf("unknown mint balance = %d, want 0", got)
	}
}
