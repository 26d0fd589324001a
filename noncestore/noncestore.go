// Package noncestore implements the nonce ledger: a bounded,
// concurrency-safe record of pending and consumed challenge nonces.
//
// The ledger is the only shared mutable state in the protocol. Its two
// transitions — reservation at issuance and consumption at
// verification — must be atomic: two concurrent verifications of the
// same nonce must not both succeed.
package noncestore

import (
	"context"
	"errors"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/machpay-xyz/machpay"
)

// State is the lifecycle state of a ledger entry.
type State string

const (
	// StatePending marks a nonce issued but not yet redeemed.
	StatePending State = "pending"

	// StateConsumed marks a nonce that was redeemed exactly once.
	StateConsumed State = "consumed"
)

// Ledger errors.
var (
	// ErrExists indicates a reservation collided with a live entry.
	ErrExists = errors.New("noncestore: nonce already reserved")

	// ErrNotFound indicates the entry is absent or already evicted.
	ErrNotFound = errors.New("noncestore: nonce not found")

	// ErrConsumed indicates the entry was already consumed.
	ErrConsumed = errors.New("noncestore: nonce already consumed")
)

// Entry is one ledger record, keyed by (gateway, nonce).
type Entry struct {
	State     State             `json:"state"`
	Challenge machpay.Challenge `json:"challenge"`
}

// Ledger records issued nonces and consumes them exactly once.
//
// Implementations must make Reserve an atomic insert-if-absent and
// Consume an atomic compare-and-swap from pending to consumed; a naive
// read-then-write reintroduces the double-spend race this ledger
// exists to prevent.
type Ledger interface {
	// Reserve inserts a pending entry for the challenge's
	// (gateway, nonce) key with the given time-to-live.
	// Returns ErrExists if a live entry already holds the key.
	Reserve(ctx context.Context, c machpay.Challenge, ttl time.Duration) error

	// Pending returns the challenge behind a live pending entry.
	// Returns ErrNotFound for absent or expired keys and ErrConsumed
	// for already-redeemed ones. Pending never mutates the entry.
	Pending(ctx context.Context, gateway solana.PublicKey, nonce uint64) (machpay.Challenge, error)

	// Consume transitions the entry from pending to consumed. The
	// transition is linearizable: of N concurrent calls for one key,
	// exactly one returns nil; the rest return ErrConsumed.
	// Returns ErrNotFound for absent or expired keys.
	Consume(ctx context.Context, gateway solana.PublicKey, nonce uint64) error

	// Close releases background resources held by the ledger.
	Close() error
}
