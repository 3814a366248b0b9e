// Package reconciler keeps a tab's identity consistent across visibility
// transitions, auth events, and writes made by other tabs.
package reconciler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk/internal/logx"
	"pkt.systems/statusdesk/internal/metrics"
	"pkt.systems/statusdesk/internal/remoteauth"
	"pkt.systems/statusdesk/internal/sessioncache"
	"pkt.systems/statusdesk/internal/tabstate"
	"pkt.systems/statusdesk/schema"
)

// Phase is the visibility state of a tab.
type Phase int

const (
	Active Phase = iota
	Hidden
	// ReturningFromSwitch is the transient sub-state of Active entered when
	// the tab regains visibility.
	ReturningFromSwitch
)

func (p Phase) String() string {
	switch p {
	case Active:
		return "active"
	case Hidden:
		return "hidden"
	case ReturningFromSwitch:
		return "returning"
	default:
		return "unknown"
	}
}

// Outcome is the result of one revalidation.
type Outcome string

const (
	OutcomeValid        Outcome = "valid"
	OutcomeCleared      Outcome = "cleared"
	OutcomePreserved    Outcome = "preserved"
	OutcomeInconclusive Outcome = "inconclusive"
	OutcomeSkipped      Outcome = "skipped"
)

// Timing holds the reconciler delays.
type Timing struct {
	// SettleDelay is the wait after a tab becomes visible before revalidating.
	SettleDelay time.Duration
	// SuppressionWindow bounds how long suppression flags stay set after a tab becomes visible.
	SuppressionWindow time.Duration
	// LoadingCeiling bounds the initial loading state.
	LoadingCeiling time.Duration
}

// DefaultTiming returns the standard delays.
func DefaultTiming() Timing {
	return Timing{
		SettleDelay:       500 * time.Millisecond,
		SuppressionWindow: 2500 * time.Millisecond,
		LoadingCeiling:    2500 * time.Millisecond,
	}
}

func (t Timing) withDefaults() Timing {
	def := DefaultTiming()
	if t.SettleDelay <= 0 {
		t.SettleDelay = def.SettleDelay
	}
	if t.SuppressionWindow <= 0 {
		t.SuppressionWindow = def.SuppressionWindow
	}
	if t.LoadingCeiling <= 0 {
		t.LoadingCeiling = def.LoadingCeiling
	}
	return t
}

// Options configures a Reconciler.
type Options struct {
	State   *tabstate.State
	Cache   *sessioncache.Cache
	Auth    remoteauth.Client
	Timing  Timing
	Logger  pslog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Reconciler drives the visibility state machine of one tab.
type Reconciler struct {
	state   *tabstate.State
	cache   *sessioncache.Cache
	auth    remoteauth.Client
	timing  Timing
	log     pslog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	group   singleflight.Group

	mu      sync.Mutex
	phase   Phase
	visible bool
	gen     uint64
	settle  *time.Timer
	window  *time.Timer
	ceiling *time.Timer
	started bool
}

// New constructs a Reconciler for a visible tab.
func New(opts Options) *Reconciler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		state:   opts.State,
		cache:   opts.Cache,
		auth:    opts.Auth,
		timing:  opts.Timing.withDefaults(),
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     now,
		phase:   Active,
		visible: true,
	}
}

// Phase returns the current visibility state.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Visible reports whether the tab is currently visible.
func (r *Reconciler) Visible() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.visible
}

// Start resolves the initial identity and begins consuming auth events. The
// loading flag is cleared as soon as a cached identity is restored, when the
// first revalidation completes, or when the loading ceiling elapses.
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started || r.state.Closed() {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.ceiling = time.AfterFunc(r.timing.LoadingCeiling, func() {
		if r.state.Closed() || !r.state.Loading() {
			return
		}
		r.logger().Debug("loading ceiling reached")
		r.state.SetLoading(false)
	})
	r.mu.Unlock()

	r.state.SetLoading(true)
	if r.restoreCached() {
		r.state.SetLoading(false)
	}

	stateCtx := r.state.Context()
	if r.auth != nil {
		events, cancel := r.auth.Subscribe()
		go func() {
			defer cancel()
			for {
				select {
				case <-stateCtx.Done():
					return
				case event, ok := <-events:
					if !ok {
						return
					}
					r.HandleAuthEvent(event)
				}
			}
		}()
	}
	go func() {
		r.Revalidate(ctx)
		if !r.state.Closed() {
			r.state.SetLoading(false)
		}
	}()
}

// OnVisibilityChange dispatches to Hide or Show.
func (r *Reconciler) OnVisibilityChange(visible bool) {
	if visible {
		r.Show()
		return
	}
	r.Hide()
}

// Hide records that the tab went to the background.
func (r *Reconciler) Hide() {
	if r.state.Closed() {
		return
	}
	r.mu.Lock()
	r.phase = Hidden
	r.visible = false
	stopTimer(r.settle)
	r.mu.Unlock()

	_, hasAuth := r.state.User()
	r.cache.SaveTabState(map[string]any{"hasAuth": hasAuth})
	r.logger().Debug("tab hidden", "has_auth", hasAuth)
}

// Show records that the tab regained visibility, restores the cached identity
// optimistically, and schedules revalidation and the end of the suppression window.
func (r *Reconciler) Show() {
	if r.state.Closed() {
		return
	}
	r.cache.SaveTabState(map[string]any{"lastVisible": r.now().UTC().Format(time.RFC3339Nano)})
	restored := r.restoreCached()

	r.cache.SetReturningFromSwitch(true)
	r.cache.PreventNextTabSwitchRefresh()
	if page := r.state.Page(); page != nil {
		page.SetActivatedMarker(true)
	}

	r.mu.Lock()
	r.phase = ReturningFromSwitch
	r.visible = true
	r.gen++
	gen := r.gen
	stopTimer(r.settle)
	stopTimer(r.window)
	ctx := r.state.Context()
	r.settle = time.AfterFunc(r.timing.SettleDelay, func() {
		if r.state.Closed() || !r.Visible() {
			return
		}
		r.Revalidate(ctx)
	})
	r.window = time.AfterFunc(r.timing.SuppressionWindow, func() {
		r.endWindow(gen)
	})
	r.mu.Unlock()

	r.logger().Debug("tab visible", "restored", restored)
}

func (r *Reconciler) endWindow(gen uint64) {
	if r.state.Closed() {
		return
	}
	r.cache.ClearSuppression()
	if page := r.state.Page(); page != nil {
		page.SetActivatedMarker(false)
	}
	r.mu.Lock()
	if r.gen == gen && r.phase == ReturningFromSwitch {
		r.phase = Active
	}
	r.mu.Unlock()
}

// Revalidate confirms the session with the remote auth service and applies
// the outcome. Concurrent calls share one round-trip.
func (r *Reconciler) Revalidate(ctx context.Context) Outcome {
	if r.state.Closed() {
		return OutcomeSkipped
	}
	value, _, _ := r.group.Do("revalidate", func() (any, error) {
		return r.revalidate(ctx), nil
	})
	outcome, _ := value.(Outcome)
	return outcome
}

func (r *Reconciler) revalidate(ctx context.Context) Outcome {
	log := logx.Or(r.log, ctx)
	if r.auth == nil {
		return r.record(OutcomeSkipped)
	}
	user, err := r.auth.GetUser(ctx)
	if r.state.Closed() {
		return r.record(OutcomeSkipped)
	}
	if err != nil {
		log.Debug("revalidation inconclusive", "err", err)
		return r.record(OutcomeInconclusive)
	}
	if user != nil {
		record := schema.RecordFromUser(*user, r.now().UTC())
		r.cache.SaveUser(record)
		r.state.SetUser(record)
		logx.WithUser(log, &record).Debug("session confirmed")
		return r.record(OutcomeValid)
	}
	if cachedUser, cached := r.cache.LoadUser(); cached && !r.Visible() {
		logx.WithUser(log, cachedUser).Warn("revalidation found no session; keeping cached identity in background tab")
		return r.record(OutcomePreserved)
	} else if cached {
		r.cache.ClearUser()
		logx.WithUser(log, cachedUser).Info("cached identity dropped; no session")
	}
	r.state.ClearUser()
	return r.record(OutcomeCleared)
}

func (r *Reconciler) record(outcome Outcome) Outcome {
	r.metrics.Revalidation(string(outcome))
	return outcome
}

// HandleAuthEvent applies a sign-in, refresh, or sign-out from the auth service.
func (r *Reconciler) HandleAuthEvent(event schema.AuthEvent) {
	if r.state.Closed() {
		return
	}
	switch event.Type {
	case schema.EventSignedIn, schema.EventTokenRefreshed:
		if event.Session == nil || event.Session.User == nil {
			r.Revalidate(r.state.Context())
			return
		}
		record := schema.RecordFromUser(*event.Session.User, r.now().UTC())
		r.cache.SaveUser(record)
		r.state.SetUser(record)
		logx.WithUser(r.logger(), &record).Debug("auth event applied", "event", string(event.Type))
	case schema.EventSignedOut:
		r.cache.ClearUser()
		r.state.ClearUser()
		r.logger().Debug("auth event applied", "event", string(event.Type))
	}
}

// HandleStorageEvent applies a durable-store write made by another tab.
func (r *Reconciler) HandleStorageEvent(event schema.StorageEvent) {
	if r.state.Closed() {
		return
	}
	switch event.Key {
	case sessioncache.UserCacheKey:
		if event.Removed() {
			r.state.ClearUser()
			r.logger().Debug("identity cleared by another tab")
			return
		}
		if _, ok := r.state.User(); ok {
			return
		}
		record, err := sessioncache.DecodeUser(event.NewValue)
		if err != nil {
			return
		}
		r.state.SetUser(*record)
		logx.WithUser(r.logger(), record).Debug("identity adopted from another tab")
	case r.cache.SessionKey():
		if event.Removed() {
			r.state.ClearUser()
			r.logger().Debug("session removed by another tab")
		}
	}
}

// Stop cancels pending timers.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	stopTimer(r.settle)
	stopTimer(r.window)
	stopTimer(r.ceiling)
}

func (r *Reconciler) restoreCached() bool {
	if _, ok := r.state.User(); ok {
		return false
	}
	record, ok := r.cache.LoadUser()
	if !ok {
		return false
	}
	r.state.SetUser(*record)
	return true
}

func (r *Reconciler) logger() pslog.Logger {
	return logx.Or(r.log, r.state.Context())
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
