package facilitator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestProbeReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	if got := c.Probe(context.Background()); got != Reachable {
		t.Fatalf("expected reachable, got %s", got)
	}
}

func TestProbeNonSuccessIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	if got := c.Probe(context.Background()); got != Unreachable {
		t.Fatalf("expected unreachable, got %s", got)
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, time.Second)
	if got := c.Probe(context.Background()); got != Unreachable {
		t.Fatalf("expected unreachable, got %s", got)
	}
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, 50*time.Millisecond)
	start := time.Now()
	if got := c.Probe(context.Background()); got != TimedOut {
		t.Fatalf("expected timed out, got %s", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("probe not bounded: %s", elapsed)
	}
}

func TestVerifyAndSettle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		switch r.URL.Path {
		case "/verify":
			if _, ok := body["requirement"]; !ok {
				t.Errorf("verify missing requirement")
			}
			w.Write([]byte(`{"valid":true}`))
		case "/settle":
			w.Write([]byte(`{"success":true,"txId":"0xabc"}`))
		case "/supported":
			w.Write([]byte(`{"schemes":["exact"],"networks":["stacks"],"assets":["STX"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	ctx := context.Background()
	v, err := c.Verify(ctx, PaymentPayload{"tx": "00"}, PaymentRequirement{Scheme: "exact", Network: "stacks", Asset: "STX", MaxAmountRequired: "5000", PayTo: "ST1"})
	if err != nil || !v.Valid {
		t.Fatalf("verify: %+v %v", v, err)
	}
	s, err := c.Settle(ctx, PaymentPayload{"tx": "00"}, "testnet")
	if err != nil || s.TxID != "0xabc" {
		t.Fatalf("settle: %+v %v", s, err)
	}
	sup, err := c.Supported(ctx)
	if err != nil || len(sup.Assets) != 1 || sup.Assets[0] != "STX" {
		t.Fatalf("supported: %+v %v", sup, err)
	}
	_, err = c.TxStatus(ctx, "0xabc")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 APIError, got %v", err)
	}
}
