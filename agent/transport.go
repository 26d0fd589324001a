package agent

import (
	"errors"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/machpay-xyz/machpay"
)

// Transport is an http.RoundTripper that pays for requests
// transparently. It wraps a base RoundTripper and runs a fresh
// Negotiator per call, so concurrent requests stay independent.
type Transport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Key is the agent's signing key.
	Key solana.PrivateKey

	// Balance is consulted for the solvency check before signing.
	Balance machpay.BalanceSource

	// Config holds retry and timeout settings. Zero value falls back
	// to machpay.DefaultNegotiatorConfig.
	Config machpay.NegotiatorConfig

	// Telemetry records the outcome of each paid call. Optional.
	Telemetry machpay.TelemetrySink

	// OnPaymentAttempt is called when a negotiation starts.
	OnPaymentAttempt machpay.PaymentCallback

	// OnPaymentSuccess is called when a negotiation fulfills the request.
	OnPaymentSuccess machpay.PaymentCallback

	// OnPaymentFailure is called when a negotiation fails.
	OnPaymentFailure machpay.PaymentCallback
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	cfg := t.Config
	if cfg.MaxRetries == 0 && cfg.AttemptTimeout == 0 {
		cfg = machpay.DefaultNegotiatorConfig
	}

	negotiator, err := NewNegotiator(t.Key, t.Balance, cfg)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	if t.OnPaymentAttempt != nil {
		t.OnPaymentAttempt(machpay.PaymentEvent{
			Type:      machpay.PaymentEventAttempt,
			Timestamp: startTime,
			URL:       req.URL.String(),
		})
	}

	resp, err := negotiator.Do(req.Context(), req, t.Base)
	duration := time.Since(startTime)

	if t.Telemetry != nil {
		t.Telemetry.Record(req.URL.Host, err == nil, duration, errorKind(err))
	}

	if err != nil {
		if t.OnPaymentFailure != nil {
			t.OnPaymentFailure(machpay.PaymentEvent{
				Type:      machpay.PaymentEventFailure,
				Timestamp: time.Now(),
				URL:       req.URL.String(),
				Error:     err,
				Duration:  duration,
			})
		}
		return nil, err
	}

	if t.OnPaymentSuccess != nil {
		t.OnPaymentSuccess(machpay.PaymentEvent{
			Type:      machpay.PaymentEventSuccess,
			Timestamp: time.Now(),
			URL:       req.URL.String(),
			Duration:  duration,
		})
	}

	return resp, nil
}

// errorKind maps a negotiation error to a low-cardinality label for
// telemetry.
func errorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, machpay.ErrMalformedChallenge):
		return "malformed_challenge"
	case errors.Is(err, machpay.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, machpay.ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, machpay.ErrNetworkTimeout):
		return "network_timeout"
	case errors.Is(err, machpay.ErrPaymentRejected):
		return "payment_rejected"
	default:
		return "other"
	}
}

// NewClient returns an http.Client whose transport pays for requests
// with the given key, checking solvency against the balance source.
func NewClient(key solana.PrivateKey, balance machpay.BalanceSource, cfg machpay.NegotiatorConfig) *http.Client {
	return &http.Client{
		Transport: &Transport{
			Base:    http.DefaultTransport,
			Key:     key,
			Balance: balance,
			Config:  cfg,
		},
	}
}
