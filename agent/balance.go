package agent

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/machpay-xyz/machpay"
)

// RPCClient is the interface for the RPC operations needed by the
// balance source. This allows for dependency injection and easier
// testing.
type RPCClient interface {
	GetTokenAccountBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetTokenAccountBalanceResult, error)
}

// RPCBalanceSource implements machpay.BalanceSource against a Solana
// RPC endpoint, with a read-mostly cache so the solvency check does
// not pay a network round trip per call. Cached values may be stale;
// the check is advisory and the gateway remains the backstop.
type RPCBalanceSource struct {
	client   RPCClient
	cacheTTL time.Duration

	mu    sync.RWMutex
	cache map[balanceKey]cachedBalance
}

type balanceKey struct {
	owner solana.PublicKey
	mint  solana.PublicKey
}

type cachedBalance struct {
	amount    uint64
	fetchedAt time.Time
}

// BalanceOption configures an RPCBalanceSource.
type BalanceOption func(*RPCBalanceSource)

// WithRPCClient sets a custom RPC client.
func WithRPCClient(client RPCClient) BalanceOption {
	return func(s *RPCBalanceSource) {
		s.client = client
	}
}

// WithCacheTTL sets how long fetched balances stay fresh.
func WithCacheTTL(ttl time.Duration) BalanceOption {
	return func(s *RPCBalanceSource) {
		s.cacheTTL = ttl
	}
}

// NewRPCBalanceSource creates a balance source against the given RPC
// endpoint.
func NewRPCBalanceSource(rpcURL string, opts ...BalanceOption) *RPCBalanceSource {
	s := &RPCBalanceSource{
		cacheTTL: 30 * time.Second,
		cache:    make(map[balanceKey]cachedBalance),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = rpc.New(rpcURL)
	}
	return s
}

var _ machpay.BalanceSource = (*RPCBalanceSource)(nil)

// Balance implements machpay.BalanceSource. It resolves the owner's
// associated token account for the mint and returns its balance in
// atomic units.
func (s *RPCBalanceSource) Balance(ctx context.Context, owner solana.PublicKey, mint solana.PublicKey) (uint64, error) {
	k := balanceKey{owner: owner, mint: mint}

	s.mu.RLock()
	cached, ok := s.cache[k]
	s.mu.RUnlock()
	if ok && time.Since(cached.fetchedAt) < s.cacheTTL {
		return cached.amount, nil
	}

	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return 0, fmt.Errorf("agent: derive token account: %w", err)
	}

	result, err := s.client.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	if err != nil {
		return 0, fmt.Errorf("agent: token balance lookup: %w", err)
	}
	if result == nil || result.Value == nil {
		return 0, fmt.Errorf("agent: empty balance result")
	}

	amount, err := strconv.ParseUint(result.Value.Amount, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("agent: parse balance amount: %w", err)
	}

	s.mu.Lock()
	s.cache[k] = cachedBalance{amount: amount, fetchedAt: time.Now()}
	s.mu.Unlock()

	return amount, nil
}

// Invalidate drops the cached balance for one owner and mint, forcing
// the next check to hit the RPC endpoint.
func (s *RPCBalanceSource) Invalidate(owner solana.PublicKey, mint solana.PublicKey) {
	s.mu.Lock()
	delete(s.cache, balanceKey{owner: owner, mint: mint})
	s.mu.Unlock()
}

// StaticBalanceSource is a fixed-balance BalanceSource, useful for
// agents funded out of band or for tests.
type StaticBalanceSource struct {
	// Amounts maps mint to available balance in atomic units.
	Amounts map[solana.PublicKey]uint64
}

var _ machpay.BalanceSource = (*StaticBalanceSource)(nil)

// Balance implements machpay.BalanceSource.
func (s *StaticBalanceSource) Balance(_ context.Context, _ solana.PublicKey, mint solana.PublicKey) (uint64, error) {
	return s.Amounts[mint], nil
}
