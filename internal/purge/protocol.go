// Package purge implements the logout purge: an ordered, best-effort
// pipeline removing every credential from the tab and the origin, followed
// by a forced reload.
package purge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk/internal/kv"
	"pkt.systems/statusdesk/internal/logx"
	"pkt.systems/statusdesk/internal/metrics"
	"pkt.systems/statusdesk/internal/remoteauth"
	"pkt.systems/statusdesk/internal/tabstate"
	"pkt.systems/statusdesk/schema"
)

// Defaults for Options.
const (
	DefaultEntryPoint  = "/login"
	DefaultReloadDelay = 100 * time.Millisecond
)

// DefaultScopes is the sign-out attempt order.
var DefaultScopes = []schema.SignOutScope{schema.ScopeGlobal, schema.ScopeLocal, schema.ScopeDefault}

// Navigator performs the final reload.
type Navigator interface {
	Navigate(ctx context.Context, route string) error
}

// Options configures a Protocol.
type Options struct {
	State *tabstate.State
	// AppName extends the emergency vocabulary.
	AppName    string
	Durable    kv.Store
	Volatile   kv.Store
	Auth       remoteauth.Client
	KnownKeys  []string
	Vocabulary Vocabulary
	Sweepers   []Sweeper
	Scopes     []schema.SignOutScope
	// Navigator defaults to the state's page.
	Navigator   Navigator
	EntryPoint  string
	ReloadDelay time.Duration
	// OnReload runs after navigation to the entry point.
	OnReload func()
	Logger   pslog.Logger
	Metrics  *metrics.Metrics
}

// StepResult is the outcome of one pipeline step.
type StepResult struct {
	Step string
	Err  error
}

// Report summarizes a purge run.
type Report struct {
	Steps []StepResult
	// Survivors are known keys found again during the final re-check.
	Survivors []string
	// SessionSurvived is true when the remote still reported a session after sign-out.
	SessionSurvived bool
	// Emergency is true when the pipeline aborted and the emergency path ran.
	Emergency bool
	// InProgress is true when the call returned early because another purge was running.
	InProgress bool
}

// Failures returns the steps that reported an error.
func (r Report) Failures() []StepResult {
	var out []StepResult
	for _, step := range r.Steps {
		if step.Err != nil {
			out = append(out, step)
		}
	}
	return out
}

// Protocol runs the purge for one tab.
type Protocol struct {
	opts    Options
	running atomic.Bool

	mu     sync.Mutex
	reload *time.Timer
}

// New constructs a Protocol. Missing stores behave as unavailable.
func New(opts Options) *Protocol {
	if opts.Durable == nil {
		opts.Durable = kv.Unavailable()
	}
	if opts.Volatile == nil {
		opts.Volatile = kv.Unavailable()
	}
	if len(opts.Vocabulary.Prefixes) == 0 && len(opts.Vocabulary.Substrings) == 0 {
		opts.Vocabulary = DefaultVocabulary("")
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = DefaultScopes
	}
	if opts.Navigator == nil && opts.State != nil && opts.State.Page() != nil {
		opts.Navigator = opts.State.Page()
	}
	if opts.EntryPoint == "" {
		opts.EntryPoint = DefaultEntryPoint
	}
	if opts.ReloadDelay <= 0 {
		opts.ReloadDelay = DefaultReloadDelay
	}
	return &Protocol{opts: opts}
}

// Running reports whether a purge is in progress.
func (p *Protocol) Running() bool {
	return p.running.Load()
}

// Run executes the pipeline and schedules the reload. It never fails; step
// errors are recorded in the report.
func (p *Protocol) Run(ctx context.Context) (report Report) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := logx.Or(p.opts.Logger, ctx)
	if !p.running.CompareAndSwap(false, true) {
		log.Debug("purge already in progress")
		return Report{InProgress: true}
	}
	defer p.running.Store(false)
	defer p.scheduleReload(log)
	defer func() {
		if cause := recover(); cause != nil {
			p.emergency(log, &report, cause)
		}
	}()

	log.Info("purge started")
	p.step(log, &report, "clear_memory", func() error {
		if p.opts.State != nil {
			p.opts.State.ClearUser()
		}
		return nil
	})
	p.step(log, &report, "durable_known_keys", func() error {
		return removeKeys(p.opts.Durable, p.opts.KnownKeys)
	})
	p.step(log, &report, "durable_sweep", func() error {
		return sweepStore(p.opts.Durable, p.opts.Vocabulary)
	})
	p.step(log, &report, "volatile_known_keys", func() error {
		return removeKeys(p.opts.Volatile, p.opts.KnownKeys)
	})
	p.step(log, &report, "volatile_sweep", func() error {
		return sweepStore(p.opts.Volatile, p.opts.Vocabulary)
	})
	for _, sweeper := range p.opts.Sweepers {
		p.step(log, &report, "structured_"+sweeper.Name(), func() error {
			return sweeper.Sweep(ctx, p.opts.Vocabulary.Match)
		})
	}
	if p.opts.Auth != nil {
		for _, scope := range p.opts.Scopes {
			p.step(log, &report, "sign_out_"+scopeName(scope), func() error {
				return p.opts.Auth.SignOut(ctx, scope)
			})
		}
		p.step(log, &report, "verify_session", func() error {
			session, err := p.opts.Auth.GetSession(ctx)
			if err != nil {
				return err
			}
			if session == nil {
				return nil
			}
			report.SessionSurvived = true
			log.Warn("session survived sign-out; retrying")
			return p.opts.Auth.SignOut(ctx, schema.ScopeDefault)
		})
	}
	p.step(log, &report, "recheck_known_keys", func() error {
		survivors, err := recheckKnown(p.opts.Durable, p.opts.KnownKeys)
		report.Survivors = survivors
		return err
	})
	log.Info("purge finished", "failed_steps", len(report.Failures()), "survivors", len(report.Survivors))
	return report
}

func (p *Protocol) step(log pslog.Logger, report *Report, name string, fn func() error) {
	err := fn()
	report.Steps = append(report.Steps, StepResult{Step: name, Err: err})
	p.opts.Metrics.PurgeStep(name, err == nil)
	if err != nil {
		log.Warn("purge step failed", "step", name, "err", err)
	}
}

// emergency clears memory, removes the known keys, attempts a minimal sweep,
// and wipes both stores when even that fails.
func (p *Protocol) emergency(log pslog.Logger, report *Report, cause any) {
	report.Emergency = true
	log.Error("purge aborted; running emergency cleanup", "panic", fmt.Sprint(cause))
	p.opts.Metrics.PurgeStep("emergency", false)
	_ = guard(func() error {
		if p.opts.State != nil {
			p.opts.State.ClearUser()
		}
		return nil
	})
	err := guard(func() error {
		minimal := MinimalVocabulary(p.opts.AppName)
		return errors.Join(
			removeKeys(p.opts.Durable, p.opts.KnownKeys),
			removeKeys(p.opts.Volatile, p.opts.KnownKeys),
			sweepStore(p.opts.Durable, minimal),
			sweepStore(p.opts.Volatile, minimal),
		)
	})
	if err == nil {
		return
	}
	log.Error("emergency sweep failed; clearing stores", "err", err)
	if err := guard(p.opts.Durable.Clear); err != nil {
		log.Error("durable clear failed", "err", err)
	}
	if err := guard(p.opts.Volatile.Clear); err != nil {
		log.Error("volatile clear failed", "err", err)
	}
}

func (p *Protocol) scheduleReload(log pslog.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reload != nil {
		p.reload.Stop()
	}
	entry := p.opts.EntryPoint
	p.reload = time.AfterFunc(p.opts.ReloadDelay, func() {
		if p.opts.Navigator != nil {
			if err := guard(func() error { return p.opts.Navigator.Navigate(context.Background(), entry) }); err != nil {
				log.Warn("reload navigation failed", "entry_point", entry, "err", err)
			}
		}
		if p.opts.OnReload != nil {
			p.opts.OnReload()
		}
		log.Info("reloaded", "entry_point", entry)
	})
}

// Stop cancels a pending reload.
func (p *Protocol) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reload != nil {
		p.reload.Stop()
	}
}

func removeKeys(store kv.Store, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := store.Remove(key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func sweepStore(store kv.Store, vocab Vocabulary) error {
	keys, err := store.Keys()
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		if !vocab.Match(key) {
			continue
		}
		if err := store.Remove(key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func recheckKnown(store kv.Store, keys []string) ([]string, error) {
	var survivors []string
	var errs []error
	for _, key := range keys {
		_, ok, err := store.Get(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		survivors = append(survivors, key)
		if err := store.Remove(key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	return survivors, errors.Join(errs...)
}

func guard(fn func() error) (err error) {
	defer func() {
		if cause := recover(); cause != nil {
			err = fmt.Errorf("panic: %v", cause)
		}
	}()
	return fn()
}

func scopeName(scope schema.SignOutScope) string {
	if scope == schema.ScopeDefault {
		return "default"
	}
	return string(scope)
}
