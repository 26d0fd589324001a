package gin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gin-gonic/gin"

	"github.com/machpay-xyz/machpay"
	"github.com/machpay-xyz/machpay/encoding"
	"github.com/machpay-xyz/machpay/gateway"
	"github.com/machpay-xyz/machpay/noncestore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func solanaKey() (solana.PrivateKey, error) {
	return solana.NewRandomPrivateKey()
}

func newTestRouter(t *testing.T) (*gin.Engine, gin.HandlerFunc, func() machpay.Challenge) {
	t.Helper()

	gw, err := solanaKey()
	if err != nil {
		t.Fatalf("failed to generate gateway key: %v", err)
	}
	mint, err := solanaKey()
	if err != nil {
		t.Fatalf("failed to generate mint key: %v", err)
	}

	ledger := noncestore.NewMemory()
	t.Cleanup(func() { ledger.Close() })

	issuer, err := gateway.NewIssuer(gw.PublicKey(), mint.PublicKey(), ledger, machpay.DefaultIssuerConfig)
	if err != nil {
		t.Fatalf("NewIssuer failed: %v", err)
	}
	verifier, err := gateway.NewVerifier(gw.PublicKey(), ledger)
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}

	mw := NewPaymentMiddleware(Config{
		Issuer:   issuer,
		Verifier: verifier,
		Price:    1000,
	})

	router := gin.New()
	return router, mw, func() machpay.Challenge {
		c, err := issuer.Issue(context.Background(), "/api/v1/quote", 1000)
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		return *c
	}
}

func TestGinMiddlewareChallenge(t *testing.T) {
	router, mw, _ := newTestRouter(t)
	router.GET("/api/v1/quote", mw, func(c *gin.Context) {
		c.String(http.StatusOK, "priced content")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/quote", nil))

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	c, err := encoding.DecodeChallenge(w.Body.Bytes())
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if c.Amount != 1000 || c.ResourceID != "/api/v1/quote" {
		t.Errorf("unexpected challenge: %+v", c)
	}
}

func TestGinMiddlewarePaidRequest(t *testing.T) {
	router, mw, issue := newTestRouter(t)
	router.GET("/api/v1/quote", mw, func(c *gin.Context) {
		if ReceiptFromContext(c) == nil {
			t.Error("handler ran without a receipt in context")
		}
		c.String(http.StatusOK, "priced content")
	})

	agent, err := solanaKey()
	if err != nil {
		t.Fatalf("failed to generate agent key: %v", err)
	}

	challenge := issue()
	intent := machpay.IntentFromChallenge(challenge, agent.PublicKey())
	sig, err := intent.Sign(agent)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quote", nil)
	req.Header.Set(machpay.HeaderPaymentProof, encoding.BuildProofHeader(encoding.Proof{
		Signature: sig,
		Agent:     agent.PublicKey(),
		Nonce:     challenge.Nonce,
	}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %q", w.Code, w.Body.String())
	}
	if w.Body.String() != "priced content" {
		t.Errorf("body = %q", w.Body.String())
	}
	header := w.Header().Get(machpay.HeaderPaymentReceipt)
	if header == "" {
		t.Fatal("missing receipt header on paid response")
	}
	if receipt := encoding.DecodeReceipt(header); receipt == nil || receipt.Nonce != challenge.Nonce {
		t.Errorf("receipt header did not decode to nonce %d", challenge.Nonce)
	}

	// Replay: the same proof must come back as a fresh 402.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("replay status = %d, want 402", w.Code)
	}
}

func TestGinMiddlewareHandlerFailure(t *testing.T) {
	router, mw, issue := newTestRouter(t)
	router.GET("/api/v1/quote", mw, func(c *gin.Context) {
		c.String(http.StatusBadGateway, "upstream failed")
	})

	agent, err := solanaKey()
	if err != nil {
		t.Fatalf("failed to generate agent key: %v", err)
	}

	challenge := issue()
	intent := machpay.IntentFromChallenge(challenge, agent.PublicKey())
	sig, err := intent.Sign(agent)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quote", nil)
	req.Header.Set(machpay.HeaderPaymentProof, encoding.BuildProofHeader(encoding.Proof{
		Signature: sig,
		Agent:     agent.PublicKey(),
		Nonce:     challenge.Nonce,
	}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if w.Header().Get(machpay.HeaderPaymentReceipt) != "" {
		t.Error("failed response still carries a receipt header")
	}
}

func TestGinMiddlewareBadProofHeader(t *testing.T) {
	router, mw, _ := newTestRouter(t)
	router.GET("/api/v1/quote", mw, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/quote", nil)
	req.Header.Set(machpay.HeaderPaymentProof, "garbage")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	io.Copy(io.Discard, w.Body)
}
