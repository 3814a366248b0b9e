package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// TabRecord is the last-writer-wins snapshot of a tab kept in the durable store.
// Extra carries caller-supplied fields; they are flattened alongside the
// standard fields when encoded.
type TabRecord struct {
	TabID               TabID
	LastActive          time.Time
	Route               string
	AuthSnapshotPresent bool
	UserEmail           string
	Extra               map[string]any
}

const (
	tabFieldID      = "tabId"
	tabFieldActive  = "lastActive"
	tabFieldRoute   = "route"
	tabFieldAuth    = "authSnapshotPresent"
	tabFieldEmail   = "userEmail"
	tabFieldVersion = "v"
)

// IsStandardTabField reports whether key names a field owned by TabRecord itself.
func IsStandardTabField(key string) bool {
	switch key {
	case tabFieldID, tabFieldActive, tabFieldRoute, tabFieldAuth, tabFieldEmail, tabFieldVersion:
		return true
	}
	return false
}

// MarshalJSON flattens Extra next to the standard fields. Standard fields win on collision.
func (r TabRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+6)
	for key, value := range r.Extra {
		if IsStandardTabField(key) {
			continue
		}
		out[key] = value
	}
	out[tabFieldVersion] = 1
	out[tabFieldID] = r.TabID
	out[tabFieldActive] = r.LastActive.UTC().Format(time.RFC3339Nano)
	out[tabFieldRoute] = r.Route
	out[tabFieldAuth] = r.AuthSnapshotPresent
	if r.UserEmail != "" {
		out[tabFieldEmail] = r.UserEmail
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits standard fields from extras.
func (r *TabRecord) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if raw == nil {
		return fmt.Errorf("%w: null tab record", ErrCorruptRecord)
	}
	var next TabRecord
	var id string
	if err := decodeField(raw, tabFieldID, &id); err != nil {
		return err
	}
	if id == "" {
		return fmt.Errorf("%w: missing tabId", ErrCorruptRecord)
	}
	next.TabID = TabID(id)
	var active string
	if err := decodeField(raw, tabFieldActive, &active); err != nil {
		return err
	}
	if active != "" {
		parsed, err := time.Parse(time.RFC3339Nano, active)
		if err != nil {
			return fmt.Errorf("%w: lastActive: %v", ErrCorruptRecord, err)
		}
		next.LastActive = parsed
	}
	if err := decodeField(raw, tabFieldRoute, &next.Route); err != nil {
		return err
	}
	if err := decodeField(raw, tabFieldAuth, &next.AuthSnapshotPresent); err != nil {
		return err
	}
	if err := decodeField(raw, tabFieldEmail, &next.UserEmail); err != nil {
		return err
	}
	for key, value := range raw {
		if IsStandardTabField(key) {
			continue
		}
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrCorruptRecord, key, err)
		}
		if next.Extra == nil {
			next.Extra = make(map[string]any)
		}
		next.Extra[key] = decoded
	}
	*r = next
	return nil
}

func decodeField(raw map[string]json.RawMessage, key string, dst any) error {
	value, ok := raw[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(value, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptRecord, key, err)
	}
	return nil
}

// SuppressionFlags are the per-tab markers damping refresh churn after a tab switch.
type SuppressionFlags struct {
	ReturningFromSwitch bool
	PreventAutoRefresh  bool
	PreventWrittenAt    time.Time
}
