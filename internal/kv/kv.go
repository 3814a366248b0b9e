// Package kv provides the synchronous string-keyed stores that back the
// session layer: a durable store shared by every tab of an origin and a
// volatile store that lives and dies with a single tab.
package kv

import (
	"sort"

	"pkt.systems/statusdesk/schema"
)

// Store is a string-keyed key-value store.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	// Set writes value under key.
	Set(key, value string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error
	// Keys lists every key currently present.
	Keys() ([]string, error)
	// Clear removes every key.
	Clear() error
}

// Unavailable returns a store whose every operation fails with
// schema.ErrStoreUnavailable, standing in for execution contexts
// without storage.
func Unavailable() Store {
	return unavailable{}
}

type unavailable struct{}

func (unavailable) Get(string) (string, bool, error) { return "", false, schema.ErrStoreUnavailable }
func (unavailable) Set(string, string) error         { return schema.ErrStoreUnavailable }
func (unavailable) Remove(string) error              { return schema.ErrStoreUnavailable }
func (unavailable) Keys() ([]string, error)          { return nil, schema.ErrStoreUnavailable }
func (unavailable) Clear() error                     { return schema.ErrStoreUnavailable }

func sortedKeys(items map[string]string) []string {
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
