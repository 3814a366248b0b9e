package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/statusdesk/schema"
)

// Watch delivers a schema.StorageEvent for every key changed in the backing
// file by another store instance until ctx is done. Changes written by this
// instance are not reported, mirroring how a tab never receives storage
// events for its own writes.
func (s *FileStore) Watch(ctx context.Context, fn func(schema.StorageEvent)) error {
	if fn == nil {
		return errors.New("storage event handler is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	prev, _ := s.snapshotFromDisk()
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
					continue
				}
				next, own := s.snapshotFromDisk()
				if own {
					prev = next
					continue
				}
				for _, change := range diffItems(prev, next) {
					if ctx.Err() != nil {
						return
					}
					fn(change)
				}
				prev = next
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if s.log != nil {
					s.log.Warn("durable store watch error", "err", err)
				}
			}
		}
	}()
	if s.log != nil {
		s.log.Debug("durable store watch started")
	}
	return nil
}

// snapshotFromDisk reads the file directly, bypassing the cached items, and
// reports whether its current state is this instance's most recent write.
func (s *FileStore) snapshotFromDisk() (map[string]string, bool) {
	info, err := os.Stat(s.path)
	if err != nil {
		return map[string]string{}, false
	}
	state := fileStateFromInfo(info)
	items, err := readStoreFile(s.path)
	if err != nil {
		return map[string]string{}, false
	}
	s.mu.Lock()
	own := s.lastWrite.equal(state)
	s.mu.Unlock()
	return items, own
}

func diffItems(prev, next map[string]string) []schema.StorageEvent {
	var events []schema.StorageEvent
	for _, key := range sortedKeys(next) {
		old, ok := prev[key]
		if ok && old == next[key] {
			continue
		}
		events = append(events, schema.StorageEvent{Key: key, OldValue: old, NewValue: next[key]})
	}
	for _, key := range sortedKeys(prev) {
		if _, ok := next[key]; ok {
			continue
		}
		events = append(events, schema.StorageEvent{Key: key, OldValue: prev[key]})
	}
	return events
}
