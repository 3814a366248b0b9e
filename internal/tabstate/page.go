package tabstate

import (
	"context"
	"sync"
)

// Page is the document a tab renders: its route, the "just activated"
// marker, and navigation.
type Page interface {
	Route() string
	HasActivatedMarker() bool
	SetActivatedMarker(on bool)
	// Navigate replaces the document with route, discarding in-memory state.
	Navigate(ctx context.Context, route string) error
}

// MemoryPage is a Page held entirely in process memory.
type MemoryPage struct {
	mu         sync.Mutex
	route      string
	marker     bool
	onNavigate func(route string)
}

// NewMemoryPage constructs a page at route. onNavigate, when set, is called
// after every navigation.
func NewMemoryPage(route string, onNavigate func(route string)) *MemoryPage {
	if route == "" {
		route = "/"
	}
	return &MemoryPage{route: route, onNavigate: onNavigate}
}

// Route implements Page.
func (p *MemoryPage) Route() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.route
}

// SetRoute changes the logical page without a navigation.
func (p *MemoryPage) SetRoute(route string) {
	p.mu.Lock()
	p.route = route
	p.mu.Unlock()
}

// HasActivatedMarker implements Page.
func (p *MemoryPage) HasActivatedMarker() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.marker
}

// SetActivatedMarker implements Page.
func (p *MemoryPage) SetActivatedMarker(on bool) {
	p.mu.Lock()
	p.marker = on
	p.mu.Unlock()
}

// Navigate implements Page.
func (p *MemoryPage) Navigate(_ context.Context, route string) error {
	p.mu.Lock()
	p.route = route
	p.marker = false
	hook := p.onNavigate
	p.mu.Unlock()
	if hook != nil {
		hook(route)
	}
	return nil
}
