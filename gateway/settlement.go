package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/machpay-xyz/machpay"
)

// emitTimeout bounds each sink call so a slow settlement path cannot
// back up the queue indefinitely.
const emitTimeout = 10 * time.Second

// Emitter hands verified receipts to a settlement sink through a
// bounded queue drained by one worker goroutine. Emission is
// fire-and-forget: a full queue or a failing sink is logged and
// dropped, never propagated back to the request that was served.
type Emitter struct {
	sink   machpay.SettlementSink
	queue  chan *machpay.Receipt
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewEmitter creates a settlement emitter with the given queue depth
// and starts its worker. Call Close to drain and stop it.
func NewEmitter(sink machpay.SettlementSink, depth int) *Emitter {
	if depth <= 0 {
		depth = 256
	}
	e := &Emitter{
		sink:   sink,
		queue:  make(chan *machpay.Receipt, depth),
		logger: slog.Default(),
		stopCh: make(chan struct{}),
	}
	e.wg.Add(1)
	go e.worker()
	return e
}

// Enqueue queues a receipt for emission. It never blocks; when the
// queue is full the receipt is dropped and logged.
func (e *Emitter) Enqueue(r *machpay.Receipt) {
	select {
	case e.queue <- r:
	default:
		e.logger.Error("settlement queue full, dropping receipt",
			"nonce", r.Nonce, "requester", r.Requester.String(), "amount", r.Amount)
	}
}

// Close stops the worker after draining receipts already queued.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

func (e *Emitter) worker() {
	defer e.wg.Done()

	for {
		select {
		case r := <-e.queue:
			e.emit(r)
		case <-e.stopCh:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case r := <-e.queue:
					e.emit(r)
				default:
					return
				}
			}
		}
	}
}

func (e *Emitter) emit(r *machpay.Receipt) {
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	defer cancel()

	if err := e.sink.Emit(ctx, r); err != nil {
		e.logger.Error("settlement emission failed",
			"error", err, "nonce", r.Nonce, "amount", r.Amount)
		return
	}
	e.logger.Info("receipt emitted for settlement",
		"nonce", r.Nonce, "requester", r.Requester.String(), "amount", r.Amount)
}
