package schema

import (
	"strings"
	"time"
)

// TabID identifies a single tab lifetime.
type TabID string

// UserID identifies a user in the remote auth service.
type UserID string

// Role is the application role carried on a cached identity.
type Role string

const (
	// RoleUser is a regular team member.
	RoleUser Role = "user"
	// RoleManager manages a team.
	RoleManager Role = "manager"
	// RoleAdmin administers the tenant.
	RoleAdmin Role = "admin"
)

// ParseRole normalizes a role string, defaulting unknown values to RoleUser.
func ParseRole(value string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleManager:
		return RoleManager
	default:
		return RoleUser
	}
}

// SignOutScope selects which server-side sessions a sign-out terminates.
type SignOutScope string

const (
	// ScopeDefault lets the auth service apply its own default.
	ScopeDefault SignOutScope = ""
	// ScopeGlobal terminates every session of the user.
	ScopeGlobal SignOutScope = "global"
	// ScopeLocal terminates only the current session.
	ScopeLocal SignOutScope = "local"
)

// User is the identity returned by the remote auth service.
type User struct {
	ID           UserID         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
	AppMetadata  map[string]any `json:"app_metadata,omitempty"`
}

// Session is the session blob the remote auth service persists.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	User         *User  `json:"user,omitempty"`
}

// Expired reports whether the session has a known expiry in the past.
func (s Session) Expired(now time.Time) bool {
	if s.ExpiresAt <= 0 {
		return false
	}
	return !now.Before(time.Unix(s.ExpiresAt, 0))
}

// UserCacheRecord is the origin-wide cached identity.
type UserCacheRecord struct {
	ID          UserID    `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	Role        Role      `json:"role"`
	TeamID      string    `json:"teamId,omitempty"`
	TeamName    string    `json:"teamName,omitempty"`
	LastChecked time.Time `json:"lastChecked"`
}

// RecordFromUser resolves a cache record from a remote user.
func RecordFromUser(user User, checked time.Time) UserCacheRecord {
	record := UserCacheRecord{
		ID:          user.ID,
		Email:       user.Email,
		Role:        RoleUser,
		LastChecked: checked,
	}
	record.Name = metaString(user.UserMetadata, "name", "full_name")
	if record.Name == "" {
		if at := strings.IndexByte(user.Email, '@'); at > 0 {
			record.Name = user.Email[:at]
		}
	}
	if role := metaString(user.AppMetadata, "role"); role != "" {
		record.Role = ParseRole(role)
	}
	record.TeamID = metaString(user.AppMetadata, "team_id")
	record.TeamName = metaString(user.AppMetadata, "team_name")
	return record
}

func metaString(meta map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := meta[key].(string); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
