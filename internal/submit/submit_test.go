package submit

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"polytaker/internal/clob"
)

func testOrder() clob.LimitOrder {
	return clob.LimitOrder{
		TokenID:     "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		Side:        clob.SideBuy,
		PriceMicros: 540_000,
		SizeMicros:  25_000_000,
		TickMicros:  10_000,
	}
}

func newTestSubmitter(t *testing.T, host string, opts Options) *Submitter {
	t.Helper()
	pk, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	client, err := clob.NewClient(host, 137, pk, common.Address{}, 0)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	client.SetCreds(clob.Creds{
		Key:        "0b1c7e6a-test",
		Secret:     base64.URLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")),
		Passphrase: "passphrase",
	})
	return New(client, nil, zerolog.Nop(), opts)
}

func TestSubmitAcked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/order" {
			t.Errorf("path=%s want /order", r.URL.Path)
		}
		if got := r.Header.Get("POLY_API_KEY"); got == "" {
			t.Errorf("POLY_API_KEY header missing")
		}
		w.Write([]byte(`{"success":true,"orderID":"0xfeed","status":"matched"}`))
	}))
	defer srv.Close()

	s := newTestSubmitter(t, srv.URL, Options{})
	res := s.Submit(context.Background(), testOrder(), time.Now())

	if res.Outcome != OutcomeAcked {
		t.Fatalf("outcome=%s want acked (reason=%q)", res.Outcome, res.Reason)
	}
	if res.OrderID != "0xfeed" {
		t.Fatalf("order id=%q want 0xfeed", res.OrderID)
	}
}

func TestSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"errorMsg":"not enough balance / allowance"}`))
	}))
	defer srv.Close()

	s := newTestSubmitter(t, srv.URL, Options{})
	res := s.Submit(context.Background(), testOrder(), time.Now())

	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome=%s want rejected", res.Outcome)
	}
	if res.Reason != "not enough balance / allowance" {
		t.Fatalf("reason=%q want venue error", res.Reason)
	}
	if res.Unsent {
		t.Fatalf("Unsent=true for a venue rejection, want false")
	}
}

func TestSubmitConnectFailureIsUnsent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	s := newTestSubmitter(t, srv.URL, Options{Timeout: 500 * time.Millisecond})
	res := s.Submit(context.Background(), testOrder(), time.Now())

	if res.Outcome != OutcomeNetworkError {
		t.Fatalf("outcome=%s want network_error", res.Outcome)
	}
	if !res.Unsent {
		t.Fatalf("Unsent=false for connection refused, want true")
	}
}

func TestSubmitTimeoutAfterWriteIsAmbiguous(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	s := newTestSubmitter(t, srv.URL, Options{Timeout: 100 * time.Millisecond})
	res := s.Submit(context.Background(), testOrder(), time.Now())

	if res.Outcome != OutcomeNetworkError {
		t.Fatalf("outcome=%s want network_error", res.Outcome)
	}
	if res.Unsent {
		t.Fatalf("Unsent=true after the request was written, want false")
	}
}

func TestSubmitDryRun(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	s := newTestSubmitter(t, srv.URL, Options{DryRun: true})
	res := s.Submit(context.Background(), testOrder(), time.Now())

	if res.Outcome != OutcomeDryRun {
		t.Fatalf("outcome=%s want dry_run", res.Outcome)
	}
	if calls.Load() != 0 {
		t.Fatalf("server calls=%d want 0 in dry run", calls.Load())
	}
}
