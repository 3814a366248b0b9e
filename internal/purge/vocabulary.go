package purge

import (
	"strings"

	"pkt.systems/statusdesk/internal/sessioncache"
	"pkt.systems/statusdesk/internal/tabid"
)

// Vocabulary matches storage keys and cache names that may hold credential material.
type Vocabulary struct {
	Prefixes   []string
	Substrings []string
}

// DefaultVocabulary returns the credential vocabulary for appName.
func DefaultVocabulary(appName string) Vocabulary {
	substrings := []string{"auth", "session", "token", "user", "login", "cache", "state"}
	if name := strings.ToLower(strings.TrimSpace(appName)); name != "" {
		substrings = append(substrings, name)
	}
	return Vocabulary{
		Prefixes:   []string{"sb-", "supabase."},
		Substrings: substrings,
	}
}

// MinimalVocabulary is the reduced pattern set used by the emergency path.
// It still covers identity keys and everything named after appName.
func MinimalVocabulary(appName string) Vocabulary {
	substrings := []string{"auth", "token", "session", "user", "login"}
	if name := strings.ToLower(strings.TrimSpace(appName)); name != "" {
		substrings = append(substrings, name)
	}
	return Vocabulary{
		Prefixes:   []string{"sb-"},
		Substrings: substrings,
	}
}

// Match reports whether name matches a prefix or contains a substring, ignoring case.
func (v Vocabulary) Match(name string) bool {
	lower := strings.ToLower(name)
	for _, prefix := range v.Prefixes {
		if prefix != "" && strings.HasPrefix(lower, strings.ToLower(prefix)) {
			return true
		}
	}
	for _, sub := range v.Substrings {
		if sub != "" && strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

// DefaultKnownKeys lists the keys this module writes plus the auth session key.
func DefaultKnownKeys(sessionKey string) []string {
	keys := []string{
		sessioncache.TabStateKey,
		sessioncache.UserCacheKey,
		sessioncache.ReturningKey,
		sessioncache.PreventRefreshKey,
		tabid.StorageKey,
	}
	if sessionKey != "" {
		keys = append(keys, sessionKey)
	}
	return keys
}
