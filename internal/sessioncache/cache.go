// Package sessioncache reads and writes the cached identity and tab-activity
// records in the durable store, and the suppression flags in the volatile
// store. It is the only writer of the user cache record. Every storage error
// is logged and treated as a cache miss.
package sessioncache

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"pkt.systems/pslog"
	"pkt.systems/statusdesk/internal/kv"
	"pkt.systems/statusdesk/internal/metrics"
	"pkt.systems/statusdesk/internal/tabid"
	"pkt.systems/statusdesk/internal/tabstate"
	"pkt.systems/statusdesk/schema"
)

const (
	// TabStateKey holds the TabRecord in the durable store.
	TabStateKey = "statusdesk_tab_state"
	// UserCacheKey holds the UserCacheRecord in the durable store.
	UserCacheKey = "statusdesk_user_cache"
	// ReturningKey marks a tab that just regained visibility (volatile store).
	ReturningKey = "statusdesk_returning_from_switch"
	// PreventRefreshKey holds the write time of the refresh-suppression flag (volatile store).
	PreventRefreshKey = "statusdesk_prevent_auto_refresh"
)

// DefaultPreventRefreshTTL bounds how long a prevent-refresh flag counts as set.
const DefaultPreventRefreshTTL = 2500 * time.Millisecond

// Options configures a Cache.
type Options struct {
	Durable  kv.Store
	Volatile kv.Store
	Tabs     *tabid.Provider
	State    *tabstate.State
	// SessionKey is the durable key under which the auth service keeps its session blob.
	SessionKey        string
	PreventRefreshTTL time.Duration
	Logger            pslog.Logger
	Metrics           *metrics.Metrics
	Now               func() time.Time
}

// Cache is the session cache of one tab.
type Cache struct {
	durable    kv.Store
	volatile   kv.Store
	tabs       *tabid.Provider
	state      *tabstate.State
	sessionKey string
	preventTTL time.Duration
	log        pslog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// New constructs a Cache. Missing stores behave as unavailable.
func New(opts Options) *Cache {
	c := &Cache{
		durable:    opts.Durable,
		volatile:   opts.Volatile,
		tabs:       opts.Tabs,
		state:      opts.State,
		sessionKey: opts.SessionKey,
		preventTTL: opts.PreventRefreshTTL,
		log:        opts.Logger,
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
	if c.durable == nil {
		c.durable = kv.Unavailable()
	}
	if c.volatile == nil {
		c.volatile = kv.Unavailable()
	}
	if c.preventTTL <= 0 {
		c.preventTTL = DefaultPreventRefreshTTL
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// SessionKey returns the durable key of the auth session blob.
func (c *Cache) SessionKey() string {
	return c.sessionKey
}

// SaveTabState overwrites the durable TabRecord with a fresh record merged
// with extra. Failures are logged, never returned.
func (c *Cache) SaveTabState(extra map[string]any) {
	record := schema.TabRecord{
		TabID:      c.tabs.TabID(),
		LastActive: c.now().UTC(),
	}
	if c.state != nil {
		record.Route = c.state.Route()
		if user, ok := c.state.User(); ok {
			record.UserEmail = user.Email
		}
	}
	_, record.AuthSnapshotPresent = c.GetAuthToken()
	if record.UserEmail == "" {
		if cached, ok := c.LoadUser(); ok {
			record.UserEmail = cached.Email
		}
	}
	if len(extra) > 0 {
		record.Extra = make(map[string]any, len(extra))
		for key, value := range extra {
			record.Extra[key] = value
		}
	}
	data, err := json.Marshal(record)
	if err != nil {
		c.storageError("save_tab_state", "tab state encode failed", err)
		return
	}
	if err := c.durable.Set(TabStateKey, string(data)); err != nil {
		c.storageError("save_tab_state", "tab state save failed", err)
		return
	}
	if c.log != nil {
		c.log.Trace("tab state saved", "tab", record.TabID, "route", record.Route)
	}
}

// RestoreTabState reads the durable TabRecord. Missing or corrupt data yields false.
func (c *Cache) RestoreTabState() (*schema.TabRecord, bool) {
	raw, ok, err := c.durable.Get(TabStateKey)
	if err != nil {
		c.storageError("restore_tab_state", "tab state read failed", err)
		return nil, false
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, false
	}
	var record schema.TabRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		c.storageError("restore_tab_state", "tab state corrupt", err)
		return nil, false
	}
	return &record, true
}

// Session parses the auth service's session blob.
func (c *Cache) Session() (*schema.Session, bool) {
	if c.sessionKey == "" {
		return nil, false
	}
	raw, ok, err := c.durable.Get(c.sessionKey)
	if err != nil {
		c.storageError("read_session", "session blob read failed", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	session, err := DecodeSession(raw)
	if err != nil {
		if c.log != nil {
			c.log.Debug("session blob unreadable", "err", err)
		}
		return nil, false
	}
	return session, true
}

// GetAuthToken returns the cached access token.
func (c *Cache) GetAuthToken() (string, bool) {
	session, ok := c.Session()
	if !ok {
		return "", false
	}
	return session.AccessToken, true
}

// TokenSource exposes the cached access token as an oauth2.TokenSource.
// Each call re-reads the durable store so tokens written by other tabs are used.
func (c *Cache) TokenSource() oauth2.TokenSource {
	return tokenSource{cache: c}
}

type tokenSource struct {
	cache *Cache
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	session, ok := s.cache.Session()
	if !ok {
		return nil, schema.ErrNoSession
	}
	token := &oauth2.Token{
		AccessToken:  session.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: session.RefreshToken,
	}
	if session.ExpiresAt > 0 {
		token.Expiry = time.Unix(session.ExpiresAt, 0)
	}
	return token, nil
}

// TokenClaims decodes the cached access token's claims.
func (c *Cache) TokenClaims() (Claims, bool) {
	token, ok := c.GetAuthToken()
	if !ok {
		return Claims{}, false
	}
	claims, err := ParseClaims(token)
	if err != nil {
		return Claims{}, false
	}
	return claims, true
}

// IsReturningFromTabSwitch reports whether the tab just regained visibility.
// It is a heuristic union of the suppression flags and the page marker.
func (c *Cache) IsReturningFromTabSwitch() bool {
	flags := c.Flags()
	if flags.ReturningFromSwitch || flags.PreventAutoRefresh {
		return true
	}
	if c.state != nil && c.state.Page() != nil {
		return c.state.Page().HasActivatedMarker()
	}
	return false
}

// Flags reads the suppression flags from the volatile store.
func (c *Cache) Flags() schema.SuppressionFlags {
	var flags schema.SuppressionFlags
	if value, ok, err := c.volatile.Get(ReturningKey); err != nil {
		c.storageError("read_flags", "suppression flag read failed", err)
	} else if ok && value == "true" {
		flags.ReturningFromSwitch = true
	}
	value, ok, err := c.volatile.Get(PreventRefreshKey)
	if err != nil {
		c.storageError("read_flags", "suppression flag read failed", err)
		return flags
	}
	if !ok {
		return flags
	}
	millis, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return flags
	}
	written := time.UnixMilli(millis)
	flags.PreventWrittenAt = written
	flags.PreventAutoRefresh = c.now().Sub(written) < c.preventTTL
	return flags
}

// PreventNextTabSwitchRefresh sets the timestamped prevent-refresh flag.
func (c *Cache) PreventNextTabSwitchRefresh() {
	value := strconv.FormatInt(c.now().UnixMilli(), 10)
	if err := c.volatile.Set(PreventRefreshKey, value); err != nil {
		c.storageError("write_flags", "prevent refresh flag write failed", err)
	}
}

// SetReturningFromSwitch sets or clears the returning flag.
func (c *Cache) SetReturningFromSwitch(on bool) {
	var err error
	if on {
		err = c.volatile.Set(ReturningKey, "true")
	} else {
		err = c.volatile.Remove(ReturningKey)
	}
	if err != nil {
		c.storageError("write_flags", "returning flag write failed", err)
	}
}

// ClearSuppression removes both suppression flags.
func (c *Cache) ClearSuppression() {
	c.SetReturningFromSwitch(false)
	if err := c.volatile.Remove(PreventRefreshKey); err != nil {
		c.storageError("write_flags", "prevent refresh flag clear failed", err)
	}
}

// LoadUser reads the cached identity. Missing or corrupt data yields false.
func (c *Cache) LoadUser() (*schema.UserCacheRecord, bool) {
	raw, ok, err := c.durable.Get(UserCacheKey)
	if err != nil {
		c.storageError("load_user", "user cache read failed", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	record, err := DecodeUser(raw)
	if err != nil {
		c.storageError("load_user", "user cache corrupt", err)
		return nil, false
	}
	return record, true
}

// SaveUser overwrites the cached identity.
func (c *Cache) SaveUser(record schema.UserCacheRecord) {
	if record.LastChecked.IsZero() {
		record.LastChecked = c.now().UTC()
	}
	data, err := json.Marshal(record)
	if err != nil {
		c.storageError("save_user", "user cache encode failed", err)
		return
	}
	if err := c.durable.Set(UserCacheKey, string(data)); err != nil {
		c.storageError("save_user", "user cache save failed", err)
		return
	}
	if c.log != nil {
		c.log.Debug("user cache saved", "user", record.ID)
	}
}

// ClearUser deletes the cached identity.
func (c *Cache) ClearUser() {
	if err := c.durable.Remove(UserCacheKey); err != nil {
		c.storageError("clear_user", "user cache clear failed", err)
		return
	}
	if c.log != nil {
		c.log.Debug("user cache cleared")
	}
}

func (c *Cache) storageError(op, msg string, err error) {
	c.metrics.StorageError(op)
	if c.log != nil {
		c.log.Warn(msg, "err", err)
	}
}
