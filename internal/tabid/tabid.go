// Package tabid issues the stable identifier of the current tab.
package tabid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk/internal/kv"
	"pkt.systems/statusdesk/schema"
)

// StorageKey is the volatile-store key holding the tab id.
const StorageKey = "statusdesk_tab_id"

// Provider returns the id of the tab owning the volatile store.
type Provider struct {
	store kv.Store
	log   pslog.Logger
	now   func() time.Time
}

// New constructs a Provider over the tab's volatile store.
func New(volatile kv.Store, logger pslog.Logger) *Provider {
	return &Provider{store: volatile, log: logger, now: time.Now}
}

// TabID returns the tab id, creating it on first use. It returns the empty
// sentinel when the volatile store cannot be used.
func (p *Provider) TabID() schema.TabID {
	if p == nil || p.store == nil {
		return ""
	}
	if existing, ok, err := p.store.Get(StorageKey); err != nil {
		p.warn("tab id read failed", err)
		return ""
	} else if ok && strings.TrimSpace(existing) != "" {
		return schema.TabID(existing)
	}
	id := newID(p.now())
	if err := p.store.Set(StorageKey, id); err != nil {
		p.warn("tab id write failed", err)
		return ""
	}
	if p.log != nil {
		p.log.Debug("tab id issued", "tab", id)
	}
	return schema.TabID(id)
}

func (p *Provider) warn(msg string, err error) {
	if p.log != nil {
		p.log.Warn(msg, "err", err)
	}
}

// newID joins a millisecond timestamp with a random suffix; tabs opened in
// the same millisecond differ by suffix.
func newID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("tab_%d_%s", now.UnixMilli(), suffix)
}
