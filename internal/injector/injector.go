// Package injector attaches the cached bearer token to outbound requests
// addressed to the tab's own origin or to a trusted host.
package injector

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk/internal/metrics"
	"pkt.systems/statusdesk/internal/tabstate"
)

// Injection decisions recorded in metrics and logs.
const (
	DecisionAttached   = "attached"
	DecisionHasHeader  = "has_header"
	DecisionUntrusted  = "untrusted"
	DecisionNoToken    = "no_token"
	DecisionBadRequest = "bad_request"
)

// Options configures a Transport.
type Options struct {
	// Origin is the tab origin, e.g. https://app.example.com. Relative
	// request URLs resolve against it.
	Origin string
	// TrustedHosts are additional hosts that receive the token. Entries
	// starting with "." or "*." match any subdomain.
	TrustedHosts []string
	Tokens       oauth2.TokenSource
	Logger       pslog.Logger
	Metrics      *metrics.Metrics
}

// Transport is an http.RoundTripper decorating Base.
type Transport struct {
	Base    http.RoundTripper
	origin  *url.URL
	trusted []string
	tokens  oauth2.TokenSource
	log     pslog.Logger
	metrics *metrics.Metrics
}

// NewTransport wraps base. A nil base uses http.DefaultTransport.
func NewTransport(base http.RoundTripper, opts Options) (*Transport, error) {
	if base == nil {
		base = http.DefaultTransport
	}
	origin, err := url.Parse(strings.TrimSpace(opts.Origin))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must include scheme and host: %q", opts.Origin)
	}
	trusted := make([]string, 0, len(opts.TrustedHosts))
	for _, host := range opts.TrustedHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		trusted = append(trusted, strings.TrimPrefix(host, "*"))
	}
	return &Transport{
		Base:    base,
		origin:  origin,
		trusted: trusted,
		tokens:  opts.Tokens,
		log:     opts.Logger,
		metrics: opts.Metrics,
	}, nil
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	decision, out := t.prepare(req)
	t.metrics.Injection(decision)
	if t.log != nil {
		t.log.Trace("credential injector", "decision", decision, "host", out.URL.Host, "path", out.URL.Path)
	}
	return t.Base.RoundTrip(out)
}

func (t *Transport) prepare(req *http.Request) (string, *http.Request) {
	if req.URL == nil {
		return DecisionBadRequest, req
	}
	out := req
	if !req.URL.IsAbs() {
		out = req.Clone(req.Context())
		out.URL = t.origin.ResolveReference(req.URL)
		out.Host = ""
	}
	if req.Header.Get("Authorization") != "" {
		return DecisionHasHeader, out
	}
	if !t.sameOrigin(out.URL) && !t.trustedHost(out.URL.Hostname()) {
		return DecisionUntrusted, out
	}
	if t.tokens == nil {
		return DecisionNoToken, out
	}
	token, err := t.tokens.Token()
	if err != nil || token == nil || token.AccessToken == "" {
		return DecisionNoToken, out
	}
	if out == req {
		out = req.Clone(req.Context())
	}
	token.SetAuthHeader(out)
	return DecisionAttached, out
}

func (t *Transport) sameOrigin(target *url.URL) bool {
	return strings.EqualFold(target.Scheme, t.origin.Scheme) &&
		strings.EqualFold(hostPort(target), hostPort(t.origin))
}

func (t *Transport) trustedHost(host string) bool {
	host = strings.ToLower(host)
	for _, entry := range t.trusted {
		if strings.HasPrefix(entry, ".") {
			if strings.HasSuffix(host, entry) || host == entry[1:] {
				return true
			}
			continue
		}
		if host == entry {
			return true
		}
	}
	return false
}

func hostPort(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch strings.ToLower(u.Scheme) {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return host + ":" + port
}

// Install wraps client.Transport exactly once per tab. It reports whether
// this call installed the wrapper.
func Install(client *http.Client, state *tabstate.State, opts Options) (bool, error) {
	if client == nil {
		return false, fmt.Errorf("http client is required")
	}
	if _, ok := client.Transport.(*Transport); ok {
		return false, nil
	}
	transport, err := NewTransport(client.Transport, opts)
	if err != nil {
		return false, err
	}
	if state != nil && !state.MarkInjectorInstalled() {
		return false, nil
	}
	client.Transport = transport
	if opts.Logger != nil {
		opts.Logger.Debug("credential injector installed", "origin", opts.Origin, "trusted_hosts", len(transport.trusted))
	}
	return true, nil
}
