// Package tabstate holds the explicit per-tab session state shared by the
// reconciler, the credential injector, and the purge protocol.
package tabstate

import (
	"context"
	"sync"

	"pkt.systems/statusdesk/schema"
)

// State is created once per tab and torn down when the tab navigates away.
type State struct {
	mu        sync.Mutex
	user      *schema.UserCacheRecord
	loading   bool
	injected  bool
	page      Page
	ctx       context.Context
	cancel    context.CancelFunc
	listeners map[int]func(*schema.UserCacheRecord)
	nextID    int
}

// New constructs a State bound to parent. A nil page defaults to a MemoryPage at "/".
func New(parent context.Context, page Page) *State {
	if parent == nil {
		parent = context.Background()
	}
	if page == nil {
		page = NewMemoryPage("/", nil)
	}
	ctx, cancel := context.WithCancel(parent)
	return &State{
		page:      page,
		ctx:       ctx,
		cancel:    cancel,
		listeners: make(map[int]func(*schema.UserCacheRecord)),
	}
}

// User returns a copy of the in-memory identity.
func (s *State) User() (*schema.UserCacheRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.user == nil {
		return nil, false
	}
	user := *s.user
	return &user, true
}

// SetUser replaces the in-memory identity.
func (s *State) SetUser(user schema.UserCacheRecord) {
	s.mu.Lock()
	if s.closedLocked() {
		s.mu.Unlock()
		return
	}
	next := user
	s.user = &next
	listeners := s.listenersLocked()
	s.mu.Unlock()
	notify(listeners, &user)
}

// ClearUser drops the in-memory identity. It keeps working after teardown
// so sign-out can always blank the UI.
func (s *State) ClearUser() {
	s.mu.Lock()
	had := s.user != nil
	s.user = nil
	listeners := s.listenersLocked()
	s.mu.Unlock()
	if had {
		notify(listeners, nil)
	}
}

// Loading reports whether the initial loading indicator is shown.
func (s *State) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// SetLoading toggles the loading indicator.
func (s *State) SetLoading(on bool) {
	s.mu.Lock()
	s.loading = on
	s.mu.Unlock()
}

// Page returns the tab's page.
func (s *State) Page() Page {
	return s.page
}

// Route returns the tab's current logical page.
func (s *State) Route() string {
	if s.page == nil {
		return ""
	}
	return s.page.Route()
}

// MarkInjectorInstalled records the credential injector as installed and
// reports whether this call was the first.
func (s *State) MarkInjectorInstalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injected {
		return false
	}
	s.injected = true
	return true
}

// Subscribe registers fn for identity changes and returns an unsubscribe func.
func (s *State) Subscribe(fn func(*schema.UserCacheRecord)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Context is cancelled when the tab is torn down.
func (s *State) Context() context.Context {
	return s.ctx
}

// Teardown ends the tab lifetime. Deferred callbacks observing Closed become no-ops.
func (s *State) Teardown() {
	s.mu.Lock()
	s.listeners = make(map[int]func(*schema.UserCacheRecord))
	s.mu.Unlock()
	s.cancel()
}

// Closed reports whether the tab has been torn down.
func (s *State) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedLocked()
}

func (s *State) closedLocked() bool {
	return s.ctx.Err() != nil
}

func (s *State) listenersLocked() []func(*schema.UserCacheRecord) {
	out := make([]func(*schema.UserCacheRecord), 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}

func notify(listeners []func(*schema.UserCacheRecord), user *schema.UserCacheRecord) {
	for _, fn := range listeners {
		if user == nil {
			fn(nil)
			continue
		}
		copied := *user
		fn(&copied)
	}
}
