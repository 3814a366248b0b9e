package browser

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
)

// CacheSweeper clears matching CacheStorage caches and IndexedDB databases.
type CacheSweeper struct {
	ctx context.Context
}

// NewCacheSweeper binds a CacheSweeper to a chromedp context.
func NewCacheSweeper(ctx context.Context) *CacheSweeper {
	return &CacheSweeper{ctx: ctx}
}

// Name implements purge.Sweeper.
func (s *CacheSweeper) Name() string { return "browser" }

const (
	listCaches    = `(async () => (typeof caches === 'undefined') ? [] : await caches.keys())()`
	listDatabases = `(async () => {
		if (typeof indexedDB === 'undefined' || typeof indexedDB.databases !== 'function') { return []; }
		const dbs = await indexedDB.databases();
		return dbs.map(db => db.name).filter(Boolean);
	})()`
	deleteCache    = `(async () => (typeof caches === 'undefined') ? false : await caches.delete(%s))()`
	deleteDatabase = `new Promise(resolve => {
		const req = indexedDB.deleteDatabase(%s);
		req.onsuccess = () => resolve(true);
		req.onerror = () => resolve(false);
		req.onblocked = () => resolve(false);
	})`
)

// Sweep implements purge.Sweeper. Browsers without CacheStorage or
// IndexedDB enumeration are treated as having nothing to clear.
func (s *CacheSweeper) Sweep(ctx context.Context, match func(name string) bool) error {
	var errs []error
	if err := s.sweep(ctx, listCaches, deleteCache, match); err != nil {
		errs = append(errs, fmt.Errorf("cache storage: %w", err))
	}
	if err := s.sweep(ctx, listDatabases, deleteDatabase, match); err != nil {
		errs = append(errs, fmt.Errorf("indexeddb: %w", err))
	}
	return errors.Join(errs...)
}

func (s *CacheSweeper) sweep(ctx context.Context, list, del string, match func(string) bool) error {
	var names []string
	if err := s.await(ctx, list, &names); err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if !match(name) {
			continue
		}
		var deleted bool
		if err := s.await(ctx, fmt.Sprintf(del, jsString(name)), &deleted); err != nil {
			errs = append(errs, err)
			continue
		}
		if !deleted {
			errs = append(errs, fmt.Errorf("%s not deleted", name))
		}
	}
	return errors.Join(errs...)
}

func (s *CacheSweeper) await(ctx context.Context, expr string, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runCtx, cancel := context.WithTimeout(s.ctx, defaultTimeout)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Evaluate(expr, out, awaitPromise))
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}
