package kv

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"pkt.systems/statusdesk/schema"
)

func TestFileStoreSharesWritesAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	tabA, err := NewFileStore(dir, "https://status.example.com")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	tabB, err := NewFileStore(dir, "https://status.example.com")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := tabA.Set("user", "ada"); err != nil {
		t.Fatalf("set: %v", err)
	}
	value, ok, err := tabB.Get("user")
	if err != nil || !ok || value != "ada" {
		t.Fatalf("expected tab B to see ada, got %q ok=%v err=%v", value, ok, err)
	}
	if err := tabB.Remove("user"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := tabA.Get("user"); ok {
		t.Fatalf("expected removal to be visible to tab A")
	}
}

func TestFileStoreConcurrentInstancesKeepEveryKey(t *testing.T) {
	dir := t.TempDir()
	const origin = "https://status.example.com"
	const perTab = 200
	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, tab := range []string{"a", "b"} {
		store, err := NewFileStore(dir, origin)
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		wg.Add(1)
		go func(tab string, store *FileStore) {
			defer wg.Done()
			for i := 0; i < perTab; i++ {
				if err := store.Set(fmt.Sprintf("%s-%d", tab, i), "v"); err != nil {
					errs <- err
					return
				}
			}
		}(tab, store)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("set: %v", err)
	}

	reader, err := NewFileStore(dir, origin)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	keys, err := reader.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 2*perTab {
		t.Fatalf("keys present: %d of %d", len(keys), 2*perTab)
	}
}

func TestFileStoreScopesByOrigin(t *testing.T) {
	dir := t.TempDir()
	a, _ := NewFileStore(dir, "https://a.example.com")
	b, _ := NewFileStore(dir, "https://b.example.com")
	if err := a.Set("k", "v"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := b.Get("k"); ok {
		t.Fatalf("expected origins to be isolated")
	}
}

func TestFileStoreTreatsCorruptFileAsEmpty(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewFileStore(dir, "origin")
	if err := os.WriteFile(store.Path(), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	keys, err := store.Keys()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected no keys, got %v", keys)
	}
	if err := store.Set("k", "v"); err != nil {
		t.Fatalf("set after corrupt: %v", err)
	}
	if value, ok, _ := store.Get("k"); !ok || value != "v" {
		t.Fatalf("expected recovery write, got %q", value)
	}
}

func TestFileStoreClear(t *testing.T) {
	store, _ := NewFileStore(t.TempDir(), "origin")
	_ = store.Set("a", "1")
	_ = store.Set("b", "2")
	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	keys, _ := store.Keys()
	if len(keys) != 0 {
		t.Fatalf("expected empty store, got %v", keys)
	}
}

func TestFileStoreRequiresDirAndOrigin(t *testing.T) {
	if _, err := NewFileStore("", "origin"); err == nil {
		t.Fatalf("expected error for empty dir")
	}
	if _, err := NewFileStore(t.TempDir(), " "); err == nil {
		t.Fatalf("expected error for empty origin")
	}
}

func TestFileStoreWatchReportsOtherInstanceWrites(t *testing.T) {
	dir := t.TempDir()
	watched, _ := NewFileStore(dir, "origin")
	other, _ := NewFileStore(dir, "origin")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []schema.StorageEvent
	if err := watched.Watch(ctx, func(ev schema.StorageEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := other.Set("statusdesk_user_cache", `{"id":"u1"}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatalf("expected a storage event")
	}
	if events[0].Key != "statusdesk_user_cache" || events[0].Removed() {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestDiffItems(t *testing.T) {
	events := diffItems(
		map[string]string{"keep": "1", "change": "a", "gone": "x"},
		map[string]string{"keep": "1", "change": "b", "new": "n"},
	)
	got := map[string]schema.StorageEvent{}
	for _, ev := range events {
		got[ev.Key] = ev
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %+v", events)
	}
	if !got["gone"].Removed() || got["change"].NewValue != "b" || got["new"].OldValue != "" {
		t.Fatalf("unexpected diff: %+v", events)
	}
}

func TestUnavailableStore(t *testing.T) {
	store := Unavailable()
	if _, _, err := store.Get("k"); !errors.Is(err, schema.ErrStoreUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if err := store.Set("k", "v"); !errors.Is(err, schema.ErrStoreUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Set("b", "2")
	_ = store.Set("a", "1")
	keys, _ := store.Keys()
	if len(keys) != 2 || keys[0] != "a" {
		t.Fatalf("expected sorted keys, got %v", keys)
	}
	_ = store.Remove("a")
	if _, ok, _ := store.Get("a"); ok {
		t.Fatalf("expected a removed")
	}
	_ = store.Clear()
	if keys, _ := store.Keys(); len(keys) != 0 {
		t.Fatalf("expected cleared store")
	}
}
