package noncestore

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/machpay-xyz/machpay"
)

// key identifies one ledger entry. solana.PublicKey is a byte array,
// so the composite is directly usable as a map key.
type key struct {
	gateway solana.PublicKey
	nonce   uint64
}

type memoryEntry struct {
	entry  Entry
	expiry time.Time
}

// Memory is an in-process Ledger backed by a mutex-guarded map.
// Expired entries are skipped at read time and swept by a background
// worker, so an abandoned challenge still blocks nonce reuse until its
// grace period lapses and no longer.
type Memory struct {
	mu   sync.RWMutex
	data map[key]memoryEntry

	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

var _ Ledger = (*Memory)(nil)

// sweepInterval is how often the background worker prunes expired entries.
const sweepInterval = time.Second

// NewMemory creates an in-memory nonce ledger and starts its sweeper.
// Call Close to stop the sweeper when the ledger is no longer needed.
func NewMemory() *Memory {
	m := &Memory{
		data:   make(map[key]memoryEntry),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
	m.wg.Add(1)
	go m.sweeper()
	return m
}

// Reserve implements Ledger.
func (m *Memory) Reserve(_ context.Context, c machpay.Challenge, ttl time.Duration) error {
	k := key{gateway: c.GatewayID, nonce: c.Nonce}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.data[k]; ok && now.Before(existing.expiry) {
		return ErrExists
	}

	m.data[k] = memoryEntry{
		entry:  Entry{State: StatePending, Challenge: c},
		expiry: now.Add(ttl),
	}
	return nil
}

// Pending implements Ledger.
func (m *Memory) Pending(_ context.Context, gateway solana.PublicKey, nonce uint64) (machpay.Challenge, error) {
	k := key{gateway: gateway, nonce: nonce}

	m.mu.RLock()
	e, ok := m.data[k]
	m.mu.RUnlock()

	if !ok || m.now().After(e.expiry) {
		return machpay.Challenge{}, ErrNotFound
	}
	if e.entry.State == StateConsumed {
		return machpay.Challenge{}, ErrConsumed
	}
	return e.entry.Challenge, nil
}

// Consume implements Ledger. The pending check and the state flip
// happen under one write lock, so concurrent consumers of the same
// nonce serialize and exactly one wins.
func (m *Memory) Consume(_ context.Context, gateway solana.PublicKey, nonce uint64) error {
	k := key{gateway: gateway, nonce: nonce}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[k]
	if !ok || m.now().After(e.expiry) {
		return ErrNotFound
	}
	if e.entry.State == StateConsumed {
		return ErrConsumed
	}

	e.entry.State = StateConsumed
	m.data[k] = e
	return nil
}

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Cleanup removes all expired entries.
func (m *Memory) Cleanup() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for k, e := range m.data {
		if now.After(e.expiry) {
			delete(m.data, k)
		}
	}
}

// Close stops the background sweeper. The ledger remains usable but no
// longer prunes expired entries on its own.
func (m *Memory) Close() error {
	close(m.stopCh)
	m.wg.Wait()
	return nil
}

func (m *Memory) sweeper() {
	defer m.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCh:
			return
		}
	}
}
