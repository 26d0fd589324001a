// Package gin provides Gin-compatible middleware for machpay payment
// gating. This package is a thin adapter that translates gin.Context
// to stdlib http patterns and delegates verification, issuance and
// settlement logic to the gateway package.
package gin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/machpay-xyz/machpay"
	"github.com/machpay-xyz/machpay/encoding"
	"github.com/machpay-xyz/machpay/gateway"
)

// Config is an alias for gateway.Config for convenience.
type Config = gateway.Config

// ReceiptContextKey is the gin context key for the verification receipt.
const ReceiptContextKey = "machpay_receipt"

// NewPaymentMiddleware creates a payment-gating middleware for Gin.
//
// The middleware:
//   - Returns a 402 challenge when the proof header is missing or invalid
//   - Verifies proofs against the nonce ledger
//   - Stores the receipt in the Gin context via c.Set(ReceiptContextKey, receipt)
//   - Calls c.Abort() on payment failure and c.Next() on success
//   - Emits the receipt to settlement after the handler chain commits
//     a success status
func NewPaymentMiddleware(config Config) gin.HandlerFunc {
	resourceID := config.ResourceID
	if resourceID == nil {
		resourceID = func(r *http.Request) string { return r.URL.Path }
	}
	price := config.PriceFunc
	if price == nil {
		price = func(*http.Request) uint64 { return config.Price }
	}

	return func(c *gin.Context) {
		logger := slog.Default()
		resource := resourceID(c.Request)

		proofHeader := c.GetHeader(machpay.HeaderPaymentProof)
		if proofHeader == "" {
			logger.Info("no payment proof provided", "path", c.Request.URL.Path)
			abortWithChallenge(c, config.Issuer, resource, price(c.Request), logger)
			return
		}

		proof, err := encoding.ParseProofHeader(proofHeader)
		if err != nil {
			logger.Warn("invalid payment proof header", "error", err)
			c.AbortWithStatus(http.StatusBadRequest)
			return
		}

		receipt, err := config.Verifier.VerifyProof(c.Request.Context(), proof)
		if err != nil {
			if errors.Is(err, machpay.ErrReplayedNonce) {
				logger.Warn("rejected replayed payment proof",
					"nonce", proof.Nonce, "agent", proof.Agent.String())
			} else {
				logger.Warn("payment verification failed", "error", err, "nonce", proof.Nonce)
			}
			abortWithChallenge(c, config.Issuer, resource, price(c.Request), logger)
			return
		}

		logger.Info("payment verified",
			"requester", receipt.Requester.String(), "amount", receipt.Amount, "nonce", receipt.Nonce)
		c.Set(ReceiptContextKey, receipt)

		// The receipt header must be in place before the handler chain
		// flushes headers, and settlement must see the receipt only when
		// the chain commits a success status. The interceptor runs the
		// commit on the first write.
		interceptor := &receiptWriter{
			ResponseWriter: c.Writer,
			commit: func(status int) {
				if status >= 400 {
					logger.Warn("handler returned non-success, withholding receipt from settlement",
						"status", status, "nonce", receipt.Nonce)
					return
				}
				if header, err := encoding.EncodeReceipt(*receipt); err == nil {
					c.Writer.Header().Set(machpay.HeaderPaymentReceipt, header)
				}
				if config.Emitter != nil {
					config.Emitter.Enqueue(receipt)
				}
			},
		}
		c.Writer = interceptor

		c.Next()

		// A handler that never wrote still commits its recorded status.
		interceptor.commitOnce(c.Writer.Status())
	}
}

// receiptWriter intercepts the first write on the gin ResponseWriter so
// the receipt commit runs while headers can still be set.
type receiptWriter struct {
	gin.ResponseWriter
	commit    func(status int)
	committed bool
}

func (w *receiptWriter) commitOnce(status int) {
	if w.committed {
		return
	}
	w.committed = true
	w.commit(status)
}

func (w *receiptWriter) WriteHeader(code int) {
	w.commitOnce(code)
	w.ResponseWriter.WriteHeader(code)
}

func (w *receiptWriter) Write(b []byte) (int, error) {
	w.commitOnce(w.Status())
	return w.ResponseWriter.Write(b)
}

func (w *receiptWriter) WriteString(s string) (int, error) {
	w.commitOnce(w.Status())
	return w.ResponseWriter.WriteString(s)
}

// abortWithChallenge issues a fresh challenge and aborts the chain
// with a 402 carrying it.
func abortWithChallenge(c *gin.Context, issuer *gateway.Issuer, resource string, amount uint64, logger *slog.Logger) {
	challenge, err := issuer.Issue(c.Request.Context(), resource, amount)
	if err != nil {
		logger.Error("challenge issuance failed", "error", err, "resource", resource)
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, challenge)
}

// ReceiptFromContext extracts the verification receipt from the Gin
// context. Returns nil if no payment was verified.
func ReceiptFromContext(c *gin.Context) *machpay.Receipt {
	value, exists := c.Get(ReceiptContextKey)
	if !exists {
		return nil
	}
	receipt, ok := value.(*machpay.Receipt)
	if !ok {
		return nil
	}
	return receipt
}
