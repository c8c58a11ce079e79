package chain_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vantal/coverpool/internal/chain"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
)

// ── Mock node gateway ─────────────────────────────────────────────────────────

func mockGateway(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /oracle/price/ubtc", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"price": "45000", "height": 812})
	})
	mux.HandleFunc("GET /status/height", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"height": 812})
	})
	mux.HandleFunc("POST /ledger/submit", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Action domain.ActionType `json:"action"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if !req.Action.IsValid() {
			http.Error(w, "unknown action", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"ref": "TX-001"})
	})
	mux.HandleFunc("GET /ledger/tx/TX-001", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "confirmed"})
	})
	mux.HandleFunc("POST /pricing/quote", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"premium": "150"})
	})
	mux.HandleFunc("GET /ledger/pool/ubtc", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"total_balance": "2000", "total_locked": "600",
		})
	})
	return httptest.NewServer(mux)
}

func newClient(url string) *chain.NodeClient {
	return chain.NewNodeClient(&config.ChainConfig{
		NodeURL:      url,
		FetchTimeout: 3 * time.Second,
	})
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestNodeClient_CurrentPriceAndHeight(t *testing.T) {
	srv := mockGateway(t)
	defer srv.Close()
	nc := newClient(srv.URL)

	price, height, err := nc.CurrentPrice(context.Background(), "ubtc")
	if err != nil {
		t.Fatalf("CurrentPrice: %v", err)
	}
	if !price.Equal(decimal.NewFromInt(45000)) || height != 812 {
		t.Errorf("price/height = %s/%d, want 45000/812", price, height)
	}

	h, err := nc.CurrentHeight(context.Background())
	if err != nil {
		t.Fatalf("CurrentHeight: %v", err)
	}
	if h != 812 {
		t.Errorf("height = %d, want 812", h)
	}
}

func TestNodeClient_SubmitAndStatus(t *testing.T) {
	srv := mockGateway(t)
	defer srv.Close()
	nc := newClient(srv.URL)

	payload, _ := domain.EncodePayload(&domain.ExpirePayload{PolicyID: 7, Height: 900})
	ref, err := nc.Submit(context.Background(), domain.ActionExpire, payload)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ref != "TX-001" {
		t.Errorf("ref = %q, want TX-001", ref)
	}

	status, reason, err := nc.Status(context.Background(), ref)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != chain.ExternalConfirmed || reason != "" {
		t.Errorf("status = %s/%q, want confirmed", status, reason)
	}
}

// A 4xx rejection is permanent; the tracker must not retry it.
func TestNodeClient_SubmitRejectionIsPermanent(t *testing.T) {
	srv := mockGateway(t)
	defer srv.Close()
	nc := newClient(srv.URL)

	_, err := nc.Submit(context.Background(), domain.ActionType("teleport"), []byte(`{}`))
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if chain.IsTransient(err) {
		t.Errorf("4xx rejection classified as transient: %v", err)
	}
}

// Gateway overload (503) must stay retryable.
func TestNodeClient_SubmitOverloadIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	nc := newClient(srv.URL)

	_, err := nc.Submit(context.Background(), domain.ActionExpire, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error from 503 gateway")
	}
	if !chain.IsTransient(err) {
		t.Errorf("503 classified as permanent: %v", err)
	}
}

func TestNodeClient_QuotePremium(t *testing.T) {
	srv := mockGateway(t)
	defer srv.Close()
	nc := newClient(srv.URL)

	premium, err := nc.QuotePremium(context.Background(), chain.PremiumParams{
		PolicyType:       domain.PolicyPut,
		Token:            "ubtc",
		ProtectedValue:   decimal.NewFromInt(45000),
		ProtectionAmount: decimal.NewFromInt(100000000),
		DurationBlocks:   1000,
	})
	if err != nil {
		t.Fatalf("QuotePremium: %v", err)
	}
	if !premium.Equal(decimal.NewFromInt(150)) {
		t.Errorf("premium = %s, want 150", premium)
	}
}

func TestNodeClient_PoolAggregate(t *testing.T) {
	srv := mockGateway(t)
	defer srv.Close()
	nc := newClient(srv.URL)

	agg, err := nc.PoolAggregate(context.Background(), "ubtc")
	if err != nil {
		t.Fatalf("PoolAggregate: %v", err)
	}
	if !agg.TotalBalance.Equal(decimal.NewFromInt(2000)) || !agg.TotalLocked.Equal(decimal.NewFromInt(600)) {
		t.Errorf("aggregate = %s/%s, want 2000/600", agg.TotalBalance, agg.TotalLocked)
	}
}

func TestNodeClient_UnknownExternalStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "limbo"})
	}))
	defer srv.Close()
	nc := newClient(srv.URL)

	if _, _, err := nc.Status(context.Background(), "X"); err == nil {
		t.Fatal("unknown external status should fail")
	}
}
