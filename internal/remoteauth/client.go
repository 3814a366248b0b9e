// Package remoteauth talks to the remote auth service and owns the session
// blob it persists into the durable store.
package remoteauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk/internal/eventbus"
	"pkt.systems/statusdesk/internal/kv"
	"pkt.systems/statusdesk/internal/logx"
	"pkt.systems/statusdesk/internal/sessioncache"
	"pkt.systems/statusdesk/schema"
)

// Client is the remote auth collaborator consumed by the session layer.
type Client interface {
	// GetSession returns the current session, or nil when there is none.
	GetSession(ctx context.Context) (*schema.Session, error)
	// GetUser validates the session with the server and returns its user,
	// or nil when the server reports no session.
	GetUser(ctx context.Context) (*schema.User, error)
	// SignOut terminates sessions in scope.
	SignOut(ctx context.Context, scope schema.SignOutScope) error
	// Subscribe delivers auth state changes.
	Subscribe() (<-chan schema.AuthEvent, func())
}

// expiryMargin refreshes tokens slightly before they lapse.
const expiryMargin = 10 * time.Second

// Config configures an HTTPClient.
type Config struct {
	// URL is the auth API root, e.g. https://project.example.co/auth/v1.
	URL string
	// APIKey is sent as the apikey header when set.
	APIKey string
	// StorageKey is the durable key the session blob is written under.
	StorageKey string
	HTTPClient *http.Client
	Logger     pslog.Logger
	Now        func() time.Time
}

// HTTPClient implements Client against a GoTrue-compatible REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	storageKey string
	durable    kv.Store
	http       *http.Client
	bus        *eventbus.Bus
	log        pslog.Logger
	now        func() time.Time

	// last is the most recent session seen, kept so SignOut can still
	// revoke it after the durable copy was wiped.
	mu   sync.Mutex
	last *schema.Session
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs an HTTPClient persisting its session into durable.
func NewHTTPClient(cfg Config, durable kv.Store) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("auth url is required")
	}
	if parsed, err := url.Parse(base); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("auth url must include scheme and host: %q", cfg.URL)
	}
	if strings.TrimSpace(cfg.StorageKey) == "" {
		return nil, errors.New("auth storage key is required")
	}
	if durable == nil {
		return nil, errors.New("durable store is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &HTTPClient{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		storageKey: cfg.StorageKey,
		durable:    durable,
		http:       httpClient,
		bus:        eventbus.New(cfg.Logger),
		log:        cfg.Logger,
		now:        now,
	}, nil
}

// StorageKey returns the durable key of the session blob.
func (c *HTTPClient) StorageKey() string {
	return c.storageKey
}

// Subscribe implements Client.
func (c *HTTPClient) Subscribe() (<-chan schema.AuthEvent, func()) {
	return c.bus.Subscribe()
}

// SignInWithPassword exchanges credentials for a session and persists it.
func (c *HTTPClient) SignInWithPassword(ctx context.Context, email, password string) (*schema.Session, error) {
	body := map[string]string{"email": email, "password": password}
	session, err := c.tokenRequest(ctx, "password", body)
	if err != nil {
		return nil, err
	}
	if err := c.storeSession(session); err != nil {
		return nil, err
	}
	c.logger().Info("auth signed in", "user", sessionUserID(session))
	c.bus.Publish(schema.AuthEvent{Type: schema.EventSignedIn, Session: session})
	return session, nil
}

// GetSession implements Client. Expired sessions are refreshed when a
// refresh token is available.
func (c *HTTPClient) GetSession(ctx context.Context) (*schema.Session, error) {
	session, ok := c.loadSession()
	if !ok {
		return nil, nil
	}
	if !c.expired(session) {
		return session, nil
	}
	if session.RefreshToken == "" {
		c.logger().Debug("auth session expired without refresh token")
		return nil, nil
	}
	refreshed, err := c.tokenRequest(ctx, "refresh_token", map[string]string{"refresh_token": session.RefreshToken})
	if err != nil {
		if errors.Is(err, schema.ErrInvalidCredentials) {
			c.removeSession()
			return nil, nil
		}
		return nil, err
	}
	if err := c.storeSession(refreshed); err != nil {
		return nil, err
	}
	c.logger().Debug("auth token refreshed", "user", sessionUserID(refreshed))
	c.bus.Publish(schema.AuthEvent{Type: schema.EventTokenRefreshed, Session: refreshed})
	return refreshed, nil
}

// GetUser implements Client.
func (c *HTTPClient) GetUser(ctx context.Context) (*schema.User, error) {
	session, err := c.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/user", nil, session.AccessToken)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: get user returned %s", schema.ErrAuthUnavailable, resp.Status)
	}
	var user schema.User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("decode user: %w", err)
	}
	if user.ID == "" {
		return nil, nil
	}
	return &user, nil
}

// SignOut implements Client. The local session blob is always removed; the
// returned error only reports the server-side call.
func (c *HTTPClient) SignOut(ctx context.Context, scope schema.SignOutScope) error {
	session, ok := c.loadSession()
	if !ok {
		session, ok = c.lastSession()
	}
	var remoteErr error
	if ok {
		path := "/logout"
		if scope != schema.ScopeDefault {
			path += "?scope=" + url.QueryEscape(string(scope))
		}
		req, err := c.newRequest(ctx, http.MethodPost, path, nil, session.AccessToken)
		if err != nil {
			remoteErr = err
		} else if resp, err := c.http.Do(req); err != nil {
			remoteErr = fmt.Errorf("%w: %v", schema.ErrAuthUnavailable, err)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			switch {
			case resp.StatusCode >= 200 && resp.StatusCode < 300:
			case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound:
				// Session already gone on the server.
			default:
				remoteErr = fmt.Errorf("logout returned %s", resp.Status)
			}
		}
	}
	c.removeStored()
	if remoteErr == nil {
		c.remember(nil)
	}
	c.logger().Info("auth signed out", "scope", scopeLabel(scope), "remote_err", remoteErr)
	c.bus.Publish(schema.AuthEvent{Type: schema.EventSignedOut})
	return remoteErr
}

func (c *HTTPClient) tokenRequest(ctx context.Context, grant string, body map[string]string) (*schema.Session, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/token?grant_type="+url.QueryEscape(grant), bytes.NewReader(payload), "")
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, schema.ErrInvalidCredentials
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("%w: token endpoint returned %s", schema.ErrAuthUnavailable, resp.Status)
	}
	var session schema.Session
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if strings.TrimSpace(session.AccessToken) == "" {
		return nil, errors.New("token endpoint returned no access token")
	}
	if session.ExpiresAt == 0 && session.ExpiresIn > 0 {
		session.ExpiresAt = c.now().Add(time.Duration(session.ExpiresIn) * time.Second).Unix()
	}
	if session.TokenType == "" {
		session.TokenType = "bearer"
	}
	return &session, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader, token string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build auth request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *HTTPClient) loadSession() (*schema.Session, bool) {
	raw, ok, err := c.durable.Get(c.storageKey)
	if err != nil {
		c.logger().Warn("auth session read failed", "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	session, err := sessioncache.DecodeSession(raw)
	if err != nil {
		c.logger().Debug("auth session unreadable", "err", err)
		return nil, false
	}
	c.remember(session)
	return session, true
}

func (c *HTTPClient) remember(session *schema.Session) {
	c.mu.Lock()
	c.last = session
	c.mu.Unlock()
}

func (c *HTTPClient) lastSession() (*schema.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.last != nil && c.last.AccessToken != ""
}

func (c *HTTPClient) storeSession(session *schema.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := c.durable.Set(c.storageKey, string(data)); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	c.remember(session)
	return nil
}

func (c *HTTPClient) removeSession() {
	c.remember(nil)
	c.removeStored()
}

// removeStored drops the durable blob but keeps the remembered session.
func (c *HTTPClient) removeStored() {
	if err := c.durable.Remove(c.storageKey); err != nil {
		c.logger().Warn("auth session remove failed", "err", err)
	}
}

func (c *HTTPClient) expired(session *schema.Session) bool {
	deadline := c.now().Add(expiryMargin)
	if session.ExpiresAt > 0 {
		return session.Expired(deadline)
	}
	claims, err := sessioncache.ParseClaims(session.AccessToken)
	if err != nil {
		return false
	}
	return claims.Expired(deadline)
}

func (c *HTTPClient) logger() pslog.Logger {
	return logx.Or(c.log, context.Background())
}

func sessionUserID(session *schema.Session) schema.UserID {
	if session == nil || session.User == nil {
		return ""
	}
	return session.User.ID
}

func scopeLabel(scope schema.SignOutScope) string {
	if scope == schema.ScopeDefault {
		return "default"
	}
	return string(scope)
}
