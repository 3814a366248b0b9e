package injector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/oauth2"

	"pkt.systems/statusdesk/internal/metrics"
	"pkt.systems/statusdesk/internal/tabstate"
)

type recordingTransport struct {
	mu       sync.Mutex
	requests []*http.Request
}

func (r *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: req, Header: http.Header{}}, nil
}

func (r *recordingTransport) last() *http.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[len(r.requests)-1]
}

type emptySource struct{}

func (emptySource) Token() (*oauth2.Token, error) { return nil, context.Canceled }

func newTransport(t *testing.T, tokens oauth2.TokenSource) (*Transport, *recordingTransport, *metrics.Metrics) {
	t.Helper()
	base := &recordingTransport{}
	m := metrics.New(prometheus.NewRegistry())
	tr, err := NewTransport(base, Options{
		Origin:       "https://app.example.com",
		TrustedHosts: []string{"api.partner.io", "*.example.net"},
		Tokens:       tokens,
		Metrics:      m,
	})
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	return tr, base, m
}

func TestInjectionDecisions(t *testing.T) {
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "T", TokenType: "Bearer"})
	cases := []struct {
		name     string
		url      string
		header   string
		wantAuth string
	}{
		{name: "same origin", url: "https://app.example.com/api/items", wantAuth: "Bearer T"},
		{name: "same origin default port", url: "https://app.example.com:443/api", wantAuth: "Bearer T"},
		{name: "relative", url: "/api/items", wantAuth: "Bearer T"},
		{name: "trusted exact", url: "https://api.partner.io/v1", wantAuth: "Bearer T"},
		{name: "trusted suffix", url: "https://eu.example.net/v1", wantAuth: "Bearer T"},
		{name: "explicit header kept", url: "https://app.example.com/api", header: "Basic abc", wantAuth: "Basic abc"},
		{name: "cross origin", url: "https://evil.example.org/steal", wantAuth: ""},
		{name: "scheme mismatch", url: "http://app.example.com/api", wantAuth: ""},
		{name: "port mismatch", url: "https://app.example.com:8443/api", wantAuth: ""},
		{name: "suffix lookalike", url: "https://notexample.net/v1", wantAuth: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr, base, _ := newTransport(t, tokens)
			u, err := url.Parse(tc.url)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			req := &http.Request{Method: http.MethodGet, URL: u, Header: http.Header{}}
			req = req.WithContext(context.Background())
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			if _, err := tr.RoundTrip(req); err != nil {
				t.Fatalf("round trip: %v", err)
			}
			got := base.last().Header.Get("Authorization")
			if got != tc.wantAuth {
				t.Fatalf("Authorization = %q, want %q", got, tc.wantAuth)
			}
			if tc.header == "" && req.Header.Get("Authorization") != "" {
				t.Fatalf("caller request must not be mutated")
			}
			if !base.last().URL.IsAbs() {
				t.Fatalf("forwarded request must be absolute: %s", base.last().URL)
			}
		})
	}
}

func TestNoTokenNoHeader(t *testing.T) {
	tr, base, m := newTransport(t, emptySource{})
	req := httptest.NewRequest(http.MethodGet, "https://app.example.com/api", nil)
	req.RequestURI = ""
	if _, err := tr.RoundTrip(req); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if got := base.last().Header.Get("Authorization"); got != "" {
		t.Fatalf("unexpected Authorization %q", got)
	}
	if got := testutil.ToFloat64(m.Injections.WithLabelValues(DecisionNoToken)); got != 1 {
		t.Fatalf("no_token counter = %v", got)
	}
}

func TestNewTransportRequiresOrigin(t *testing.T) {
	if _, err := NewTransport(nil, Options{Origin: "app.example.com"}); err == nil {
		t.Fatalf("expected error for origin without scheme")
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Auth", r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	state := tabstate.New(context.Background(), nil)
	client := srv.Client()
	opts := Options{
		Origin: srv.URL,
		Tokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "T"}),
	}
	installed, err := Install(client, state, opts)
	if err != nil || !installed {
		t.Fatalf("first install: %v %v", installed, err)
	}
	first := client.Transport
	installed, err = Install(client, state, opts)
	if err != nil || installed {
		t.Fatalf("second install: %v %v", installed, err)
	}
	if client.Transport != first {
		t.Fatalf("transport must not be double wrapped")
	}
	if _, ok := first.(*Transport).Base.(*Transport); ok {
		t.Fatalf("base must not be an injector")
	}

	other := &http.Client{Transport: srv.Client().Transport}
	installed, err = Install(other, state, opts)
	if err != nil || installed {
		t.Fatalf("install on a second client for the same tab: %v %v", installed, err)
	}

	resp, err := client.Get(srv.URL + "/api")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Auth"); got != "Bearer T" {
		t.Fatalf("server saw Authorization %q", got)
	}
}
