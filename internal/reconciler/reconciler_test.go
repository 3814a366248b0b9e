package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk/internal/eventbus"
	"pkt.systems/statusdesk/internal/kv"
	"pkt.systems/statusdesk/internal/metrics"
	"pkt.systems/statusdesk/internal/sessioncache"
	"pkt.systems/statusdesk/internal/tabid"
	"pkt.systems/statusdesk/internal/tabstate"
	"pkt.systems/statusdesk/schema"
)

const sessionKey = "sb-statusdesk-auth-token"

type fakeAuth struct {
	mu    sync.Mutex
	user  *schema.User
	err   error
	block chan struct{}
	calls atomic.Int32
	bus   *eventbus.Bus
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{bus: eventbus.New(nil)}
}

func (f *fakeAuth) set(user *schema.User, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user = user
	f.err = err
}

func (f *fakeAuth) GetSession(context.Context) (*schema.Session, error) { return nil, nil }

func (f *fakeAuth) GetUser(ctx context.Context) (*schema.User, error) {
	f.calls.Add(1)
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.user, f.err
}

func (f *fakeAuth) SignOut(context.Context, schema.SignOutScope) error { return nil }

func (f *fakeAuth) Subscribe() (<-chan schema.AuthEvent, func()) { return f.bus.Subscribe() }

type fixture struct {
	durable *kv.MemoryStore
	page    *tabstate.MemoryPage
	state   *tabstate.State
	cache   *sessioncache.Cache
	auth    *fakeAuth
	metrics *metrics.Metrics
	rec     *Reconciler
}

func fastTiming() Timing {
	return Timing{
		SettleDelay:       10 * time.Millisecond,
		SuppressionWindow: 60 * time.Millisecond,
		LoadingCeiling:    60 * time.Millisecond,
	}
}

func newFixture(t *testing.T, durable *kv.MemoryStore) *fixture {
	t.Helper()
	if durable == nil {
		durable = kv.NewMemoryStore()
	}
	volatile := kv.NewMemoryStore()
	f := &fixture{
		durable: durable,
		page:    tabstate.NewMemoryPage("/dashboard", nil),
		auth:    newFakeAuth(),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	f.state = tabstate.New(context.Background(), f.page)
	f.cache = sessioncache.New(sessioncache.Options{
		Durable:           durable,
		Volatile:          volatile,
		Tabs:              tabid.New(volatile, nil),
		State:             f.state,
		SessionKey:        sessionKey,
		PreventRefreshTTL: fastTiming().SuppressionWindow,
	})
	f.rec = New(Options{
		State:   f.state,
		Cache:   f.cache,
		Auth:    f.auth,
		Timing:  fastTiming(),
		Metrics: f.metrics,
	})
	t.Cleanup(func() {
		f.rec.Stop()
		f.state.Teardown()
	})
	return f
}

func cachedUser() schema.UserCacheRecord {
	return schema.UserCacheRecord{ID: "u1", Email: "ada@example.com", Name: "Ada", Role: schema.RoleAdmin}
}

func eventually(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", within)
}

func TestShowClearsSuppressionWithinWindowWithoutRevalidation(t *testing.T) {
	f := newFixture(t, nil)
	f.auth.block = make(chan struct{})
	defer close(f.auth.block)

	f.rec.Hide()
	f.rec.Show()
	if !f.cache.IsReturningFromTabSwitch() {
		t.Fatalf("expected returning immediately after show")
	}
	if !f.page.HasActivatedMarker() {
		t.Fatalf("expected activated marker")
	}
	if f.rec.Phase() != ReturningFromSwitch {
		t.Fatalf("phase = %s", f.rec.Phase())
	}
	eventually(t, time.Second, func() bool {
		return !f.cache.IsReturningFromTabSwitch() && !f.page.HasActivatedMarker()
	})
	if f.rec.Phase() != Active {
		t.Fatalf("phase = %s after window", f.rec.Phase())
	}
}

func TestRepeatedHideShowAlwaysEndsWindow(t *testing.T) {
	f := newFixture(t, nil)
	f.auth.set(nil, schema.ErrAuthUnavailable)
	for i := 0; i < 5; i++ {
		f.rec.Hide()
		f.rec.Show()
	}
	eventually(t, time.Second, func() bool {
		return !f.cache.IsReturningFromTabSwitch()
	})
}

func TestHideBeforeSettleSkipsRevalidation(t *testing.T) {
	f := newFixture(t, nil)
	f.rec.Show()
	f.rec.Hide()

	time.Sleep(4 * fastTiming().SettleDelay)
	if calls := f.auth.calls.Load(); calls != 0 {
		t.Fatalf("hidden tab revalidated %d times", calls)
	}
	if f.rec.Phase() != Hidden {
		t.Fatalf("phase = %s, want hidden", f.rec.Phase())
	}
}

func TestHidePersistsHasAuth(t *testing.T) {
	f := newFixture(t, nil)
	f.state.SetUser(cachedUser())
	f.rec.Hide()
	record, ok := f.cache.RestoreTabState()
	if !ok {
		t.Fatalf("expected tab state")
	}
	if record.Extra["hasAuth"] != true {
		t.Fatalf("expected hasAuth=true, got %+v", record.Extra)
	}
	if f.rec.Phase() != Hidden || f.rec.Visible() {
		t.Fatalf("expected hidden phase")
	}
}

func TestShowRestoresCachedIdentity(t *testing.T) {
	f := newFixture(t, nil)
	f.auth.block = make(chan struct{})
	defer close(f.auth.block)
	f.cache.SaveUser(cachedUser())

	f.rec.Show()
	user, ok := f.state.User()
	if !ok || user.ID != "u1" {
		t.Fatalf("expected optimistic restore, got %+v", user)
	}
	if f.state.Loading() {
		t.Fatalf("optimistic restore must not show loading")
	}
	record, ok := f.cache.RestoreTabState()
	if !ok || record.Extra["lastVisible"] == nil {
		t.Fatalf("expected lastVisible in tab state, got %+v", record)
	}
}

func TestHiddenInconclusivePreservesCache(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.SaveUser(cachedUser())
	f.state.SetUser(cachedUser())
	f.rec.Hide()
	f.auth.set(nil, schema.ErrAuthUnavailable)

	if outcome := f.rec.Revalidate(context.Background()); outcome != OutcomeInconclusive {
		t.Fatalf("outcome = %s", outcome)
	}
	if _, ok := f.cache.LoadUser(); !ok {
		t.Fatalf("expected cache preserved")
	}
	if _, ok := f.state.User(); !ok {
		t.Fatalf("expected in-memory identity preserved")
	}
	if got := testutil.ToFloat64(f.metrics.Revalidations.WithLabelValues("inconclusive")); got != 1 {
		t.Fatalf("inconclusive counter = %v", got)
	}
}

func TestHiddenNoSessionPreservesCache(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.SaveUser(cachedUser())
	f.state.SetUser(cachedUser())
	f.rec.Hide()

	if outcome := f.rec.Revalidate(context.Background()); outcome != OutcomePreserved {
		t.Fatalf("outcome = %s", outcome)
	}
	if _, ok := f.cache.LoadUser(); !ok {
		t.Fatalf("expected cache preserved")
	}
}

func TestPreservedIdentityLogsUser(t *testing.T) {
	f := newFixture(t, nil)
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(&buf, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
	rec := New(Options{State: f.state, Cache: f.cache, Auth: f.auth, Timing: fastTiming(), Logger: logger})
	t.Cleanup(rec.Stop)
	f.cache.SaveUser(cachedUser())
	rec.Hide()

	if outcome := rec.Revalidate(context.Background()); outcome != OutcomePreserved {
		t.Fatalf("outcome = %s", outcome)
	}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		entry := map[string]any{}
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if entry["user"] == "u1" {
			return
		}
	}
	t.Fatalf("expected a log entry carrying the cached user, got %s", buf.String())
}

func TestVisibleNoSessionClearsCache(t *testing.T) {
	f := newFixture(t, nil)
	f.cache.SaveUser(cachedUser())
	f.state.SetUser(cachedUser())

	if outcome := f.rec.Revalidate(context.Background()); outcome != OutcomeCleared {
		t.Fatalf("outcome = %s", outcome)
	}
	if _, ok := f.cache.LoadUser(); ok {
		t.Fatalf("expected cache cleared")
	}
	if _, ok := f.state.User(); ok {
		t.Fatalf("expected in-memory identity cleared")
	}
}

func TestNoCacheNoSessionCreatesNothing(t *testing.T) {
	f := newFixture(t, nil)
	if outcome := f.rec.Revalidate(context.Background()); outcome != OutcomeCleared {
		t.Fatalf("outcome = %s", outcome)
	}
	if _, ok := f.state.User(); ok {
		t.Fatalf("expected no in-memory identity")
	}
	if _, ok, _ := f.durable.Get(sessioncache.UserCacheKey); ok {
		t.Fatalf("expected no user cache record")
	}
}

func TestValidSessionWritesCacheAndMemory(t *testing.T) {
	f := newFixture(t, nil)
	f.auth.set(&schema.User{
		ID:           "u2",
		Email:        "grace@example.com",
		UserMetadata: map[string]any{"name": "Grace"},
		AppMetadata:  map[string]any{"role": "manager", "team_id": "t9"},
	}, nil)

	if outcome := f.rec.Revalidate(context.Background()); outcome != OutcomeValid {
		t.Fatalf("outcome = %s", outcome)
	}
	cached, ok := f.cache.LoadUser()
	if !ok || cached.ID != "u2" || cached.Role != schema.RoleManager || cached.TeamID != "t9" {
		t.Fatalf("unexpected cache %+v", cached)
	}
	if cached.LastChecked.IsZero() {
		t.Fatalf("expected lastChecked")
	}
	user, ok := f.state.User()
	if !ok || user.Name != "Grace" {
		t.Fatalf("unexpected memory identity %+v", user)
	}
}

func TestRevalidationAfterTeardownIsNoop(t *testing.T) {
	f := newFixture(t, nil)
	f.auth.block = make(chan struct{})
	f.auth.set(&schema.User{ID: "u3", Email: "late@example.com"}, nil)

	done := make(chan Outcome, 1)
	go func() { done <- f.rec.Revalidate(context.Background()) }()
	eventually(t, time.Second, func() bool { return f.auth.calls.Load() == 1 })
	f.state.Teardown()
	close(f.auth.block)

	select {
	case outcome := <-done:
		if outcome != OutcomeSkipped {
			t.Fatalf("outcome = %s", outcome)
		}
	case <-time.After(time.Second):
		t.Fatalf("revalidation did not return")
	}
	if _, ok := f.cache.LoadUser(); ok {
		t.Fatalf("late response must not write the cache")
	}
}

func TestConcurrentRevalidationsCoalesce(t *testing.T) {
	f := newFixture(t, nil)
	f.auth.block = make(chan struct{})
	f.auth.set(&schema.User{ID: "u1", Email: "ada@example.com"}, nil)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 3)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = f.rec.Revalidate(context.Background())
		}(i)
	}
	eventually(t, time.Second, func() bool { return f.auth.calls.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	close(f.auth.block)
	wg.Wait()
	if calls := f.auth.calls.Load(); calls > 3 || calls < 1 {
		t.Fatalf("unexpected call count %d", calls)
	}
	for _, outcome := range outcomes {
		if outcome != OutcomeValid {
			t.Fatalf("outcomes = %v", outcomes)
		}
	}
}

func TestStartWithCacheClearsLoadingImmediately(t *testing.T) {
	f := newFixture(t, nil)
	f.auth.block = make(chan struct{})
	defer close(f.auth.block)
	f.cache.SaveUser(cachedUser())

	f.rec.Start(context.Background())
	if f.state.Loading() {
		t.Fatalf("expected loading cleared by optimistic restore")
	}
	if _, ok := f.state.User(); !ok {
		t.Fatalf("expected restored identity")
	}
}

func TestStartLoadingCeiling(t *testing.T) {
	f := newFixture(t, nil)
	f.auth.block = make(chan struct{})
	defer close(f.auth.block)

	f.rec.Start(context.Background())
	if !f.state.Loading() {
		t.Fatalf("expected loading while revalidation is pending")
	}
	eventually(t, time.Second, func() bool { return !f.state.Loading() })
}

func TestStartConsumesAuthEvents(t *testing.T) {
	f := newFixture(t, nil)
	f.auth.set(nil, schema.ErrAuthUnavailable)
	f.rec.Start(context.Background())
	eventually(t, time.Second, func() bool { return !f.state.Loading() })

	f.auth.bus.Publish(schema.AuthEvent{
		Type:    schema.EventSignedIn,
		Session: &schema.Session{AccessToken: "tok", User: &schema.User{ID: "u5", Email: "eve@example.com"}},
	})
	eventually(t, time.Second, func() bool {
		user, ok := f.state.User()
		return ok && user.ID == "u5"
	})
	if cached, ok := f.cache.LoadUser(); !ok || cached.ID != "u5" {
		t.Fatalf("expected cache written on sign-in, got %+v", cached)
	}

	f.auth.bus.Publish(schema.AuthEvent{Type: schema.EventSignedOut})
	eventually(t, time.Second, func() bool {
		_, ok := f.state.User()
		return !ok
	})
	if _, ok := f.cache.LoadUser(); ok {
		t.Fatalf("expected cache cleared on sign-out")
	}
}

func TestStorageEventsFromOtherTabs(t *testing.T) {
	f := newFixture(t, nil)
	record := `{"id":"u7","email":"other@example.com","name":"Other","role":"user","lastChecked":"2026-03-01T12:00:00Z"}`
	f.rec.HandleStorageEvent(schema.StorageEvent{Key: sessioncache.UserCacheKey, NewValue: record})
	user, ok := f.state.User()
	if !ok || user.ID != "u7" {
		t.Fatalf("expected adopted identity, got %+v", user)
	}

	f.rec.HandleStorageEvent(schema.StorageEvent{Key: sessioncache.UserCacheKey, NewValue: `{"id":"u8"}`})
	if user, _ := f.state.User(); user.ID != "u7" {
		t.Fatalf("existing identity must not be replaced, got %+v", user)
	}

	f.rec.HandleStorageEvent(schema.StorageEvent{Key: sessionKey, OldValue: `{"access_token":"t"}`})
	if _, ok := f.state.User(); ok {
		t.Fatalf("expected identity cleared when session removed elsewhere")
	}

	f.state.SetUser(cachedUser())
	f.rec.HandleStorageEvent(schema.StorageEvent{Key: sessioncache.UserCacheKey, OldValue: record})
	if _, ok := f.state.User(); ok {
		t.Fatalf("expected identity cleared when user cache removed elsewhere")
	}
}

func TestTwoTabsShareDurableStore(t *testing.T) {
	durable := kv.NewMemoryStore()
	a := newFixture(t, durable)
	a.auth.set(&schema.User{ID: "u1", Email: "ada@example.com"}, nil)
	_ = durable.Set(sessionKey, `{"access_token":"T"}`)
	if outcome := a.rec.Revalidate(context.Background()); outcome != OutcomeValid {
		t.Fatalf("outcome = %s", outcome)
	}

	b := newFixture(t, durable)
	b.auth.block = make(chan struct{})
	defer close(b.auth.block)
	if token, ok := b.cache.GetAuthToken(); !ok || token != "T" {
		t.Fatalf("tab B token = %q %v", token, ok)
	}
	b.rec.Start(context.Background())
	user, ok := b.state.User()
	if !ok || user.ID != "u1" {
		t.Fatalf("tab B identity = %+v", user)
	}
	if b.auth.calls.Load() > 1 {
		t.Fatalf("tab B must not sign in")
	}
}

func TestPhaseString(t *testing.T) {
	cases := map[Phase]string{Active: "active", Hidden: "hidden", ReturningFromSwitch: "returning", Phase(9): "unknown"}
	for phase, want := range cases {
		if phase.String() != want {
			t.Fatalf("%d.String() = %q", phase, phase.String())
		}
	}
}
