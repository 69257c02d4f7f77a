package solanarpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Abdullah1738/shipwright/solana"
)

func TestClient_MinimumBalanceForRentExemption(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "getMinimumBalanceForRentExemption" {
			t.Fatalf("method=%q", req.Method)
		}
		if len(req.Params) != 1 || req.Params[0] != float64(10277) {
			t.Fatalf("params=%v", req.Params)
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":72404160}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	got, err := c.MinimumBalanceForRentExemption(context.Background(), 10277)
	if err != nil {
		t.Fatalf("MinimumBalanceForRentExemption: %v", err)
	}
	if got != 72404160 {
		t.Fatalf("rent=%d, want 72404160", got)
	}
}

func TestClient_AccountInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "getAccountInfo" {
			t.Fatalf("method=%q", req.Method)
		}
		// "aGVsbG8=" is "hello"
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"value":{
  "lamports":5000,
  "owner":"BPFLoaderUpgradeab1e11111111111111111111111",
  "data":["aGVsbG8=","base64"]
}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	info, err := c.AccountInfo(context.Background(), solana.MustPubkey("11111111111111111111111111111111"))
	if err != nil {
		t.Fatalf("AccountInfo: %v", err)
	}
	if info.Lamports != 5000 {
		t.Fatalf("lamports=%d, want 5000", info.Lamports)
	}
	if info.Owner != solana.UpgradeableLoaderID {
		t.Fatalf("owner=%s", info.Owner)
	}
	if string(info.Data) != "hello" {
		t.Fatalf("data=%q", string(info.Data))
	}
}

func TestClient_AccountInfo_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"value":null}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	_, err := c.AccountInfo(context.Background(), solana.MustPubkey("11111111111111111111111111111111"))
	if err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestClient_ConfirmTransaction(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "getSignatureStatuses" {
			t.Fatalf("method=%q", req.Method)
		}
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"value":[{"confirmationStatus":"processed","err":null}]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"value":[{"confirmationStatus":"confirmed","err":null}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if err := c.ConfirmTransaction(context.Background(), "sig", 10*time.Second); err != nil {
		t.Fatalf("ConfirmTransaction: %v", err)
	}
	if calls.Load() < 2 {
		t.Fatalf("calls=%d, want at least 2", calls.Load())
	}
}

func TestClient_ConfirmTransaction_TxError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"value":[{"confirmationStatus":"confirmed","err":{"InstructionError":[0,"Custom"]}}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	err := c.ConfirmTransaction(context.Background(), "sig", 10*time.Second)
	if err == nil {
		t.Fatalf("expected transaction error")
	}
}

func TestClient_SendTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "sendTransaction" {
			t.Fatalf("method=%q", req.Method)
		}
		cfg, ok := req.Params[1].(map[string]any)
		if !ok || cfg["encoding"] != "base64" {
			t.Fatalf("params[1]=%v", req.Params[1])
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":"signature111"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	sig, err := c.SendTransaction(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("SendTransaction: %v", err)
	}
	if sig != "signature111" {
		t.Fatalf("sig=%q", sig)
	}
}
