package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/machpay-xyz/machpay"
)

// recordingSink collects emitted receipts.
type recordingSink struct {
	mu       sync.Mutex
	receipts []*machpay.Receipt
	err      error
}

func (s *recordingSink) Emit(_ context.Context, r *machpay.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.receipts)
}

func TestEmitterDelivers(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(sink, 8)

	for i := uint64(0); i < 5; i++ {
		e.Enqueue(&machpay.Receipt{Nonce: i, Amount: 1000, VerifiedAt: time.Now()})
	}
	e.Close()

	if got := sink.count(); got != 5 {
		t.Errorf("sink received %d receipts, want 5", got)
	}
}

func TestEmitterCloseDrainsQueue(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(sink, 64)

	// Enqueue a burst and close immediately; Close must not drop
	// receipts already accepted into the queue.
	for i := uint64(0); i < 32; i++ {
		e.Enqueue(&machpay.Receipt{Nonce: i})
	}
	e.Close()

	if got := sink.count(); got != 32 {
		t.Errorf("sink received %d receipts after Close, want 32", got)
	}

	// Close is idempotent.
	e.Close()
}

func TestEmitterSinkFailureDoesNotPropagate(t *testing.T) {
	sink := &recordingSink{err: errors.New("settlement backend down")}
	e := NewEmitter(sink, 8)

	e.Enqueue(&machpay.Receipt{Nonce: 1})
	e.Close()

	if got := sink.count(); got != 0 {
		t.Errorf("failing sink recorded %d receipts", got)
	}
}
