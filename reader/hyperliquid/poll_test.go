package hyperliquid

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hyperflow/internal/hltest"
)

func TestFetchContext(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	srv.SetAssetContexts(http.StatusOK, hltest.AssetContextsBody("BTC", "0.0001", "65000", "64990", "1234.5"))

	p := NewPollClient(PollConfig{BaseURL: srv.RESTURL()}, nil)
	asset, err := p.FetchContext(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if asset.Coin != "BTC" || asset.Funding != "0.0001" || asset.MarkPrice != "65000" || asset.OraclePrice != "64990" || asset.OpenInterest != "1234.5" {
		t.Fatalf("unexpected context: %+v", asset)
	}
	reqs := srv.InfoRequests()
	if len(reqs) != 1 || reqs[0] != `{"type":"metaAndAssetCtxs"}` {
		t.Fatalf("unexpected request body: %v", reqs)
	}
}

func TestFetchContextSendsHeaders(t *testing.T) {
	var gotUA, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotCT = r.Header.Get("Content-Type")
		_, _ = w.Write([]byte(hltest.AssetContextsBody("BTC", "1", "1", "1", "1")))
	}))
	defer srv.Close()

	p := NewPollClient(PollConfig{BaseURL: srv.URL + "/", UserAgent: "hyperflow-test"}, nil)
	if _, err := p.FetchContext(context.Background(), "BTC"); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotUA != "hyperflow-test" || gotCT != "application/json" {
		t.Fatalf("unexpected headers: ua=%q ct=%q", gotUA, gotCT)
	}
}

func TestFetchContextFailures(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		wantStatus int
	}{
		{"non-2xx", http.StatusInternalServerError, `{"error":"boom"}`, http.StatusInternalServerError},
		{"malformed", http.StatusOK, `not json`, http.StatusOK},
		{"coin missing", http.StatusOK, hltest.AssetContextsBody("ETH", "1", "1", "1", "1"), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := hltest.NewServer()
			defer srv.Close()
			srv.SetAssetContexts(tc.status, tc.body)

			p := NewPollClient(PollConfig{BaseURL: srv.RESTURL()}, nil)
			_, err := p.FetchContext(context.Background(), "BTC")
			var pe *PollError
			if !errors.As(err, &pe) {
				t.Fatalf("expected PollError, got %v", err)
			}
			if pe.Status != tc.wantStatus || pe.Coin != "BTC" {
				t.Fatalf("unexpected poll error: %+v", pe)
			}
		})
	}
}

func TestFetchContextTimeout(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	srv.SetAssetContexts(http.StatusOK, hltest.AssetContextsBody("BTC", "1", "1", "1", "1"))
	srv.SetInfoDelay(time.Second)

	p := NewPollClient(PollConfig{BaseURL: srv.RESTURL(), Timeout: 50 * time.Millisecond}, nil)
	start := time.Now()
	_, err := p.FetchContext(context.Background(), "BTC")
	var pe *PollError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PollError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("timeout not honoured, took %s", elapsed)
	}
}

func TestFetchContextIsStateless(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	p := NewPollClient(PollConfig{BaseURL: srv.RESTURL()}, nil)

	srv.SetAssetContexts(http.StatusBadGateway, `{}`)
	if _, err := p.FetchContext(context.Background(), "BTC"); err == nil {
		t.Fatalf("expected failure")
	}
	srv.SetAssetContexts(http.StatusOK, hltest.AssetContextsBody("BTC", "2", "2", "2", "2"))
	asset, err := p.FetchContext(context.Background(), "BTC")
	if err != nil || asset.Funding != "2" {
		t.Fatalf("a failure must not affect the next call: %+v %v", asset, err)
	}
	if srv.InfoCalls() != 2 {
		t.Fatalf("expected exactly two calls (no retries), got %d", srv.InfoCalls())
	}
}

func TestFetchContextRateLimited(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	srv.SetAssetContexts(http.StatusOK, hltest.AssetContextsBody("BTC", "1", "1", "1", "1"))

	p := NewPollClient(PollConfig{BaseURL: srv.RESTURL(), RequestsPerSecond: 0.5, Burst: 1}, nil)
	if _, err := p.FetchContext(context.Background(), "BTC"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.FetchContext(ctx, "BTC"); err == nil {
		t.Fatalf("expected limiter to refuse a second call inside the deadline")
	}
	if srv.InfoCalls() != 1 {
		t.Fatalf("limited call must not reach the server, calls=%d", srv.InfoCalls())
	}
}
