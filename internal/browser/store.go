// Package browser adapts a chromedp-driven page to the session layer: Web
// Storage as kv stores, the document as a tabstate.Page, and CacheStorage
// plus IndexedDB as a purge sweeper.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chromedp/chromedp"

	"pkt.systems/statusdesk/internal/kv"
)

// Area selects a Web Storage area.
type Area string

const (
	LocalStorage   Area = "localStorage"
	SessionStorage Area = "sessionStorage"
)

const defaultTimeout = 5 * time.Second

// Store is a kv.Store over a Web Storage area of the page bound to ctx.
type Store struct {
	ctx     context.Context
	area    Area
	timeout time.Duration
}

var _ kv.Store = (*Store)(nil)

// NewStore returns a Store over area. ctx must be a chromedp context.
func NewStore(ctx context.Context, area Area) *Store {
	return &Store{ctx: ctx, area: area, timeout: defaultTimeout}
}

type getResult struct {
	OK    bool   `json:"ok"`
	Value string `json:"value"`
}

// Get implements kv.Store.
func (s *Store) Get(key string) (string, bool, error) {
	var res getResult
	expr := fmt.Sprintf(`(() => { const v = window.%s.getItem(%s); return v === null ? {ok: false} : {ok: true, value: v}; })()`, s.area, jsString(key))
	if err := s.eval(expr, &res); err != nil {
		return "", false, err
	}
	return res.Value, res.OK, nil
}

// Set implements kv.Store.
func (s *Store) Set(key, value string) error {
	return s.eval(fmt.Sprintf(`window.%s.setItem(%s, %s)`, s.area, jsString(key), jsString(value)), nil)
}

// Remove implements kv.Store.
func (s *Store) Remove(key string) error {
	return s.eval(fmt.Sprintf(`window.%s.removeItem(%s)`, s.area, jsString(key)), nil)
}

// Keys implements kv.Store.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	expr := fmt.Sprintf(`(() => { const out = []; const st = window.%s; for (let i = 0; i < st.length; i++) { out.push(st.key(i)); } return out.sort(); })()`, s.area)
	if err := s.eval(expr, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

// Clear implements kv.Store.
func (s *Store) Clear() error {
	return s.eval(fmt.Sprintf(`window.%s.clear()`, s.area), nil)
}

func (s *Store) eval(expr string, out any) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	if err := chromedp.Run(ctx, chromedp.Evaluate(expr, out)); err != nil {
		return fmt.Errorf("%s: %w", s.area, err)
	}
	return nil
}

func jsString(value string) string {
	data, _ := json.Marshal(value)
	return string(data)
}
