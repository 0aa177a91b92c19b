package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestHTTPProvider_BatchLookup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/cusip/batch" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key123" {
			t.Errorf("missing auth header, got %q", got)
		}
		var req map[string][]string
		json.NewDecoder(r.Body).Decode(&req)
		out := map[string]TickerInfo{}
		for _, c := range req["cusips"] {
			if c == "037833100" {
				out[c] = TickerInfo{Ticker: "AAPL", CompanyName: "Apple Inc", Confidence: 99}
			}
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "key123", 1000)
	out, err := p.BatchLookup(context.Background(), []string{"037833100", "unknown01"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out["037833100"].Ticker != "AAPL" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestHTTPProvider_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(TickerInfo{Ticker: "AAPL", Confidence: 99})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "k", 1000)
	info, err := p.LookupOne(context.Background(), "037833100")
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if info == nil || info.Ticker != "AAPL" {
		t.Fatalf("unexpected result: %+v", info)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestHTTPProvider_ClientErrorsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "k", 1000)
	_, err := p.LookupOne(context.Background(), "037833100")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestHTTPProvider_UnknownCusipIsNilNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(TickerInfo{}) // empty ticker = unknown
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "k", 1000)
	info, err := p.LookupOne(context.Background(), "037833100")
	if err != nil || info != nil {
		t.Fatalf("unknown identifier should be (nil, nil), got %+v, %v", info, err)
	}
}
