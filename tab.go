// Package statusdesk composes the cross-tab session layer for one tab: tab
// identity, the session cache, the visibility reconciler, the credential
// injector, and the logout purge.
package statusdesk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk/internal/appconfig"
	"pkt.systems/statusdesk/internal/injector"
	"pkt.systems/statusdesk/internal/kv"
	"pkt.systems/statusdesk/internal/logx"
	"pkt.systems/statusdesk/internal/metrics"
	"pkt.systems/statusdesk/internal/purge"
	"pkt.systems/statusdesk/internal/reconciler"
	"pkt.systems/statusdesk/internal/remoteauth"
	"pkt.systems/statusdesk/internal/sessioncache"
	"pkt.systems/statusdesk/internal/tabid"
	"pkt.systems/statusdesk/internal/tabstate"
	"pkt.systems/statusdesk/schema"
)

// TabConfig configures a tab.
type TabConfig struct {
	Origin       string
	AppName      string
	SessionKey   string
	TrustedHosts []string
	Timing       reconciler.Timing
	EntryPoint   string
	ReloadDelay  time.Duration
	KnownKeys    []string
	Vocabulary   purge.Vocabulary
	HTTPTimeout  time.Duration
}

// TabDeps captures the collaborators a tab is built from.
type TabDeps struct {
	// Durable is the origin-wide store shared by every tab. Required.
	Durable kv.Store
	// Volatile dies with the tab. Defaults to a MemoryStore.
	Volatile kv.Store
	Auth     remoteauth.Client
	// Page defaults to a MemoryPage at "/".
	Page     tabstate.Page
	Sweepers []purge.Sweeper
	Metrics  *metrics.Metrics
	Logger   pslog.Logger
}

// TabOption toggles tab behavior.
type TabOption func(*tabOptions)

type tabOptions struct {
	storageEvents bool
	onReload      func()
	client        *http.Client
}

// WithStorageEvents subscribes to writes from other tabs when the durable
// store supports watching.
func WithStorageEvents() TabOption {
	return func(o *tabOptions) { o.storageEvents = true }
}

// WithReloadHook runs fn after the purge reload tore the tab down.
func WithReloadHook(fn func()) TabOption {
	return func(o *tabOptions) { o.onReload = fn }
}

// WithHTTPClient sets the client that ApplyCredentialInjection decorates.
func WithHTTPClient(client *http.Client) TabOption {
	return func(o *tabOptions) { o.client = client }
}

type storageWatcher interface {
	Watch(ctx context.Context, fn func(schema.StorageEvent)) error
}

// TabConfigFromApp derives a TabConfig from the application config.
func TabConfigFromApp(cfg appconfig.Config) TabConfig {
	sessionKey := cfg.SessionStorageKey()
	vocab := purge.DefaultVocabulary(cfg.AppName)
	if len(cfg.Purge.Prefixes) > 0 {
		vocab.Prefixes = append([]string(nil), cfg.Purge.Prefixes...)
	}
	if len(cfg.Purge.Vocabulary) > 0 {
		vocab.Substrings = append([]string(nil), cfg.Purge.Vocabulary...)
	}
	return TabConfig{
		Origin:       cfg.Origin,
		AppName:      cfg.AppName,
		SessionKey:   sessionKey,
		TrustedHosts: cfg.Injection.TrustedHosts,
		Timing: reconciler.Timing{
			SettleDelay:       cfg.Timing.SettleDelay(),
			SuppressionWindow: cfg.Timing.SuppressionWindow(),
			LoadingCeiling:    cfg.Timing.LoadingCeiling(),
		},
		EntryPoint:  cfg.Purge.EntryPoint,
		ReloadDelay: cfg.Timing.ReloadDelay(),
		KnownKeys:   append(purge.DefaultKnownKeys(sessionKey), cfg.Purge.KnownKeys...),
		Vocabulary:  vocab,
	}
}

// Tab is one tab of the origin.
type Tab struct {
	cfg     TabConfig
	deps    TabDeps
	options tabOptions
	log     pslog.Logger

	tabs   *tabid.Provider
	state  *tabstate.State
	cache  *sessioncache.Cache
	rec    *reconciler.Reconciler
	purge  *purge.Protocol
	client *http.Client

	closeOnce  sync.Once
	reloaded   chan struct{}
	reloadOnce sync.Once
}

// Open constructs a tab and starts its initial identity resolution.
func Open(ctx context.Context, cfg TabConfig, deps TabDeps, opts ...TabOption) (*Tab, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	options := tabOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	origin, err := url.Parse(strings.TrimSpace(cfg.Origin))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must include scheme and host: %q", cfg.Origin)
	}
	if deps.Durable == nil {
		return nil, errors.New("durable store is required")
	}
	if deps.Volatile == nil {
		deps.Volatile = kv.NewMemoryStore()
	}
	if deps.Page == nil {
		deps.Page = tabstate.NewMemoryPage("/", nil)
	}
	if len(cfg.KnownKeys) == 0 {
		cfg.KnownKeys = purge.DefaultKnownKeys(cfg.SessionKey)
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if options.client == nil {
		options.client = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	t := &Tab{
		cfg:      cfg,
		deps:     deps,
		options:  options,
		client:   options.client,
		reloaded: make(chan struct{}),
	}
	t.tabs = tabid.New(deps.Volatile, deps.Logger)
	if deps.Logger != nil {
		ctx = pslog.ContextWithLogger(ctx, deps.Logger)
	}
	ctx = logx.ContextWithTabLogger(ctx, origin.String(), t.tabs.TabID())
	t.log = logx.Ctx(ctx)

	t.state = tabstate.New(ctx, deps.Page)
	t.cache = sessioncache.New(sessioncache.Options{
		Durable:           deps.Durable,
		Volatile:          deps.Volatile,
		Tabs:              t.tabs,
		State:             t.state,
		SessionKey:        cfg.SessionKey,
		PreventRefreshTTL: cfg.Timing.SuppressionWindow,
		Logger:            t.log,
		Metrics:           deps.Metrics,
	})
	t.rec = reconciler.New(reconciler.Options{
		State:   t.state,
		Cache:   t.cache,
		Auth:    deps.Auth,
		Timing:  cfg.Timing,
		Logger:  t.log,
		Metrics: deps.Metrics,
	})
	t.purge = purge.New(purge.Options{
		State:       t.state,
		AppName:     cfg.AppName,
		Durable:     deps.Durable,
		Volatile:    deps.Volatile,
		Auth:        deps.Auth,
		KnownKeys:   cfg.KnownKeys,
		Vocabulary:  cfg.Vocabulary,
		Sweepers:    deps.Sweepers,
		EntryPoint:  cfg.EntryPoint,
		ReloadDelay: cfg.ReloadDelay,
		OnReload:    t.handleReload,
		Logger:      t.log,
		Metrics:     deps.Metrics,
	})

	t.rec.Start(t.state.Context())
	if options.storageEvents {
		if watcher, ok := deps.Durable.(storageWatcher); ok {
			if err := watcher.Watch(t.state.Context(), t.rec.HandleStorageEvent); err != nil {
				t.log.Warn("storage events unavailable", "err", err)
			}
		}
	}
	t.log.Info("tab opened", "route", deps.Page.Route())
	return t, nil
}

// TabID returns the stable id of this tab.
func (t *Tab) TabID() schema.TabID {
	return t.tabs.TabID()
}

// GetAuthToken returns the cached access token.
func (t *Tab) GetAuthToken() (string, bool) {
	return t.cache.GetAuthToken()
}

// TokenClaims decodes the cached access token.
func (t *Tab) TokenClaims() (sessioncache.Claims, bool) {
	return t.cache.TokenClaims()
}

// IsReturningFromTabSwitch reports whether the tab just regained visibility.
func (t *Tab) IsReturningFromTabSwitch() bool {
	return t.cache.IsReturningFromTabSwitch()
}

// PreventNextTabSwitchRefresh suppresses the refresh a tab switch would trigger.
func (t *Tab) PreventNextTabSwitchRefresh() {
	t.cache.PreventNextTabSwitchRefresh()
}

// SaveTabState persists the tab record merged with extra.
func (t *Tab) SaveTabState(extra map[string]any) {
	t.cache.SaveTabState(extra)
}

// RestoreTabState reads the last tab record written by any tab.
func (t *Tab) RestoreTabState() (*schema.TabRecord, bool) {
	return t.cache.RestoreTabState()
}

// CachedUser reads the origin-wide cached identity.
func (t *Tab) CachedUser() (*schema.UserCacheRecord, bool) {
	return t.cache.LoadUser()
}

// User returns the in-memory identity.
func (t *Tab) User() (*schema.UserCacheRecord, bool) {
	return t.state.User()
}

// Loading reports whether the initial identity resolution is still pending.
func (t *Tab) Loading() bool {
	return t.state.Loading()
}

// Subscribe registers fn for identity changes.
func (t *Tab) Subscribe(fn func(*schema.UserCacheRecord)) func() {
	return t.state.Subscribe(fn)
}

// Page returns the tab's page.
func (t *Tab) Page() tabstate.Page {
	return t.state.Page()
}

// Phase returns the visibility state.
func (t *Tab) Phase() reconciler.Phase {
	return t.rec.Phase()
}

// SetVisible reports a visibility transition.
func (t *Tab) SetVisible(visible bool) {
	t.rec.OnVisibilityChange(visible)
}

// Revalidate confirms the session with the auth service now.
func (t *Tab) Revalidate(ctx context.Context) reconciler.Outcome {
	return t.rec.Revalidate(ctx)
}

// ApplyCredentialInjection installs the credential injector on the tab's
// HTTP client. Repeated calls are no-ops.
func (t *Tab) ApplyCredentialInjection() (bool, error) {
	return injector.Install(t.client, t.state, injector.Options{
		Origin:       t.cfg.Origin,
		TrustedHosts: t.cfg.TrustedHosts,
		Tokens:       t.cache.TokenSource(),
		Logger:       t.log,
		Metrics:      t.deps.Metrics,
	})
}

// HTTPClient returns the tab's outbound client.
func (t *Tab) HTTPClient() *http.Client {
	return t.client
}

type passwordSigner interface {
	SignInWithPassword(ctx context.Context, email, password string) (*schema.Session, error)
}

// SignIn signs in with email and password and records the identity.
func (t *Tab) SignIn(ctx context.Context, email, password string) (*schema.UserCacheRecord, error) {
	signer, ok := t.deps.Auth.(passwordSigner)
	if !ok {
		return nil, errors.New("auth client does not support password sign-in")
	}
	session, err := signer.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	t.rec.HandleAuthEvent(schema.AuthEvent{Type: schema.EventSignedIn, Session: session})
	if session.User == nil {
		if outcome := t.rec.Revalidate(ctx); outcome != reconciler.OutcomeValid {
			return nil, fmt.Errorf("sign-in not confirmed: %s", outcome)
		}
	}
	user, ok := t.state.User()
	if !ok {
		return nil, schema.ErrNoSession
	}
	return user, nil
}

// SignOut runs the logout purge. It always succeeds from the caller's point
// of view; the report lists what failed. The reload follows asynchronously.
func (t *Tab) SignOut(ctx context.Context) purge.Report {
	return t.purge.Run(ctx)
}

// Reloaded is closed once the purge reload tore the tab down.
func (t *Tab) Reloaded() <-chan struct{} {
	return t.reloaded
}

// Close tears the tab down.
func (t *Tab) Close() {
	t.closeOnce.Do(func() {
		t.rec.Stop()
		t.purge.Stop()
		t.state.Teardown()
		t.log.Info("tab closed")
	})
}

func (t *Tab) handleReload() {
	t.reloadOnce.Do(func() {
		t.rec.Stop()
		t.state.Teardown()
		close(t.reloaded)
		if t.options.onReload != nil {
			t.options.onReload()
		}
	})
}
