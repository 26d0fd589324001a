// Package valkey implements the nonce ledger on top of Redis/Valkey,
// for gateway deployments that run more than one node. Reservation
// uses SET NX and consumption runs as a server-side script, so both
// transitions stay atomic across nodes.
package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	valkey "github.com/redis/go-redis/v9"

	"github.com/machpay-xyz/machpay"
	"github.com/machpay-xyz/machpay/noncestore"
)

// Config errors.
var (
	ErrNoURL  = errors.New("valkey.Config: no URL defined")
	ErrBadURL = errors.New("valkey.Config: URL is invalid")
)

// consumeScript flips a pending entry to consumed while preserving the
// entry's remaining time-to-live. Return codes: 1 consumed, 0 already
// consumed, -1 absent.
var consumeScript = valkey.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return -1
end
local e = cjson.decode(v)
if e.state ~= 'pending' then
  return 0
end
e.state = 'consumed'
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], cjson.encode(e), 'PX', ttl)
else
  redis.call('SET', KEYS[1], cjson.encode(e))
end
return 1
`)

// redisClient is satisfied by *valkey.Client and *valkey.ClusterClient.
type redisClient interface {
	Get(ctx context.Context, key string) *valkey.StringCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *valkey.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *valkey.Cmd
	EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *valkey.Cmd
	EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *valkey.Cmd
	EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *valkey.Cmd
	ScriptExists(ctx context.Context, hashes ...string) *valkey.BoolSliceCmd
	ScriptLoad(ctx context.Context, script string) *valkey.StringCmd
	Ping(ctx context.Context) *valkey.StatusCmd
	Close() error
}

// Store implements noncestore.Ledger on top of Redis/Valkey.
type Store struct {
	client redisClient
}

var _ noncestore.Ledger = (*Store)(nil)

// Config holds the connection settings for the store.
type Config struct {
	URL string `json:"url"`
}

// Valid checks the configuration.
func (c Config) Valid() error {
	if c.URL == "" {
		return ErrNoURL
	}
	if _, err := valkey.ParseURL(c.URL); err != nil {
		return fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	return nil
}

// New connects to the Redis/Valkey node named by the config and fails
// fast if it is unreachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Valid(); err != nil {
		return nil, err
	}

	opts, err := valkey.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("valkey.New: %w", err)
	}

	client := valkey.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("valkey.New: ping failed: %w", err)
	}

	return &Store{client: client}, nil
}

func ledgerKey(gateway solana.PublicKey, nonce uint64) string {
	return "machpay:nonce:" + gateway.String() + ":" + strconv.FormatUint(nonce, 10)
}

// Reserve implements noncestore.Ledger via SET NX with expiry.
func (s *Store) Reserve(ctx context.Context, c machpay.Challenge, ttl time.Duration) error {
	entry := noncestore.Entry{State: noncestore.StatePending, Challenge: c}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("valkey: marshal entry: %w", err)
	}

	ok, err := s.client.SetNX(ctx, ledgerKey(c.GatewayID, c.Nonce), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("valkey: reserve: %w", err)
	}
	if !ok {
		return noncestore.ErrExists
	}
	return nil
}

// Pending implements noncestore.Ledger.
func (s *Store) Pending(ctx context.Context, gateway solana.PublicKey, nonce uint64) (machpay.Challenge, error) {
	cmd := s.client.Get(ctx, ledgerKey(gateway, nonce))
	if err := cmd.Err(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return machpay.Challenge{}, noncestore.ErrNotFound
		}
		return machpay.Challenge{}, fmt.Errorf("valkey: pending: %w", err)
	}

	data, err := cmd.Bytes()
	if err != nil {
		return machpay.Challenge{}, fmt.Errorf("valkey: pending: %w", err)
	}

	var entry noncestore.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return machpay.Challenge{}, fmt.Errorf("valkey: decode entry: %w", err)
	}
	if entry.State == noncestore.StateConsumed {
		return machpay.Challenge{}, noncestore.ErrConsumed
	}
	return entry.Challenge, nil
}

// Consume implements noncestore.Ledger via the server-side script.
func (s *Store) Consume(ctx context.Context, gateway solana.PublicKey, nonce uint64) error {
	res, err := consumeScript.Run(ctx, s.client, []string{ledgerKey(gateway, nonce)}).Int()
	if err != nil {
		return fmt.Errorf("valkey: consume: %w", err)
	}

	switch res {
	case 1:
		return nil
	case 0:
		return noncestore.ErrConsumed
	default:
		return noncestore.ErrNotFound
	}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
