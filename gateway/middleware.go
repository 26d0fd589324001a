package gateway

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/machpay-xyz/machpay"
	"github.com/machpay-xyz/machpay/encoding"
)

// Config holds the configuration for the payment middleware.
type Config struct {
	// Issuer mints challenges for unauthorized requests.
	Issuer *Issuer

	// Verifier validates submitted proofs.
	Verifier *Verifier

	// Emitter receives receipts once the resource has been served.
	// Optional; without it receipts are only logged.
	Emitter *Emitter

	// Price is the cost of the protected resource in atomic units.
	Price uint64

	// PriceFunc overrides Price per request when set.
	PriceFunc func(*http.Request) uint64

	// ResourceID derives the priced route identifier from the request.
	// Defaults to the URL path.
	ResourceID func(*http.Request) string
}

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// ReceiptContextKey is the context key for storing the verification receipt.
const ReceiptContextKey = contextKey("machpay_receipt")

// NewPaymentMiddleware wraps HTTP handlers with payment gating.
//
// Requests without a proof header receive a 402 carrying a fresh
// challenge. Requests with a proof are verified; failures receive a
// fresh 402 (the client may spend retry budget on it), successes run
// the protected handler with the receipt in the request context. The
// receipt is handed to settlement only once the handler commits a
// success status.
func NewPaymentMiddleware(config Config) func(http.Handler) http.Handler {
	resourceID := config.ResourceID
	if resourceID == nil {
		resourceID = func(r *http.Request) string { return r.URL.Path }
	}
	price := config.PriceFunc
	if price == nil {
		price = func(*http.Request) uint64 { return config.Price }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := slog.Default()
			resource := resourceID(r)

			proofHeader := r.Header.Get(machpay.HeaderPaymentProof)
			if proofHeader == "" {
				// No proof provided: answer with a fresh challenge.
				logger.Info("no payment proof provided", "path", r.URL.Path)
				sendChallenge(w, r, config.Issuer, resource, price(r), logger)
				return
			}

			proof, err := encoding.ParseProofHeader(proofHeader)
			if err != nil {
				logger.Warn("invalid payment proof header", "error", err)
				http.Error(w, "Invalid payment proof header", http.StatusBadRequest)
				return
			}

			receipt, err := config.Verifier.VerifyProof(r.Context(), proof)
			if err != nil {
				if errors.Is(err, machpay.ErrReplayedNonce) {
					logger.Warn("rejected replayed payment proof",
						"nonce", proof.Nonce, "agent", proof.Agent.String())
				} else {
					logger.Warn("payment verification failed", "error", err, "nonce", proof.Nonce)
				}
				// The old challenge may still be live; a fresh one lets
				// the client retry within its budget either way.
				sendChallenge(w, r, config.Issuer, resource, price(r), logger)
				return
			}

			logger.Info("payment verified",
				"requester", receipt.Requester.String(), "amount", receipt.Amount, "nonce", receipt.Nonce)

			ctx := context.WithValue(r.Context(), ReceiptContextKey, receipt)
			r = r.WithContext(ctx)

			interceptor := &receiptInterceptor{
				w: w,
				commitFunc: func() {
					if header, err := encoding.EncodeReceipt(*receipt); err == nil {
						w.Header().Set(machpay.HeaderPaymentReceipt, header)
					}
					if config.Emitter != nil {
						config.Emitter.Enqueue(receipt)
					}
				},
				onFailure: func(statusCode int) {
					logger.Warn("handler returned non-success, withholding receipt from settlement",
						"status", statusCode, "nonce", receipt.Nonce)
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// sendChallenge issues and writes a fresh 402 challenge.
func sendChallenge(w http.ResponseWriter, r *http.Request, issuer *Issuer, resource string, amount uint64, logger *slog.Logger) {
	c, err := issuer.Issue(r.Context(), resource, amount)
	if err != nil {
		logger.Error("challenge issuance failed", "error", err, "resource", resource)
		http.Error(w, "Challenge issuance failed", http.StatusServiceUnavailable)
		return
	}
	if err := encoding.WriteChallenge(w, *c); err != nil {
		logger.Error("failed to write challenge response", "error", err)
	}
}

// receiptInterceptor wraps the ResponseWriter to intercept the moment
// the handler commits a status, so the receipt reaches settlement only
// for responses that actually served the resource.
type receiptInterceptor struct {
	w http.ResponseWriter
	// commitFunc runs once when the handler commits a success status
	commitFunc func()
	// onFailure is an internal logging callback
	onFailure func(statusCode int)
	committed bool
}

func (i *receiptInterceptor) Header() http.Header {
	return i.w.Header()
}

func (i *receiptInterceptor) Write(b []byte) (int, error) {
	// A Write without WriteHeader implies 200 OK; commit now.
	if !i.committed {
		i.WriteHeader(http.StatusOK)
	}
	return i.w.Write(b)
}

func (i *receiptInterceptor) WriteHeader(statusCode int) {
	if i.committed {
		return
	}
	i.committed = true

	// Handler errors pass through untouched; no settlement.
	if statusCode >= 400 {
		if i.onFailure != nil {
			i.onFailure(statusCode)
		}
		i.w.WriteHeader(statusCode)
		return
	}

	i.commitFunc()
	i.w.WriteHeader(statusCode)
}

// Flush implements http.Flusher to support streaming responses.
func (i *receiptInterceptor) Flush() {
	if flusher, ok := i.w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack implements http.Hijacker to support connection hijacking.
func (i *receiptInterceptor) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := i.w.(http.Hijacker); ok {
		// Treat hijack as a successful upgrade path; commit first.
		if !i.committed {
			i.committed = true
			i.commitFunc()
		}
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

// Push implements http.Pusher to support HTTP/2 server push.
func (i *receiptInterceptor) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := i.w.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// ReceiptFromContext extracts the verification receipt from the
// request context. Returns nil if no payment was verified.
func ReceiptFromContext(ctx context.Context) *machpay.Receipt {
	value := ctx.Value(ReceiptContextKey)
	if value == nil {
		return nil
	}
	receipt, ok := value.(*machpay.Receipt)
	if !ok {
		return nil
	}
	return receipt
}
