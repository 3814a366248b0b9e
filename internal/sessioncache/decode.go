package sessioncache

import (
	"encoding/json"
	"fmt"
	"strings"

	"pkt.systems/statusdesk/schema"
)

// DecodeSession parses a session blob. Both the flat layout and the legacy
// {"currentSession": {...}} wrapper are accepted.
func DecodeSession(raw string) (*schema.Session, error) {
	var envelope struct {
		schema.Session
		CurrentSession *schema.Session `json:"currentSession"`
	}
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrCorruptRecord, err)
	}
	session := envelope.Session
	if strings.TrimSpace(session.AccessToken) == "" && envelope.CurrentSession != nil {
		session = *envelope.CurrentSession
	}
	session.AccessToken = strings.TrimSpace(session.AccessToken)
	if session.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", schema.ErrCorruptRecord)
	}
	return &session, nil
}

// DecodeUser parses a cached identity record.
func DecodeUser(raw string) (*schema.UserCacheRecord, error) {
	var record schema.UserCacheRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, fmt.Errorf("%w: %v", schema.ErrCorruptRecord, err)
	}
	if record.ID == "" {
		return nil, fmt.Errorf("%w: missing id", schema.ErrCorruptRecord)
	}
	record.Role = schema.ParseRole(string(record.Role))
	return &record, nil
}
