package validation

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// QueryJSON evaluates a jq query against a raw JSON document and
// returns its first result. It exists for the handful of fields that
// arrive as an arbitrary, tenant-authored blob (request_json,
// runtime_config) rather than a fixed shape, where unmarshaling into a
// Go struct either fails outright on the unexpected or silently
// swallows it.
func QueryJSON(raw json.RawMessage, query string) (interface{}, error) {
	q, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid query %q: %w", query, err)
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}

	iter := q.Run(decoded)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if qErr, ok := v.(error); ok {
		return nil, qErr
	}
	return v, nil
}

// RejectUnknownFields enumerates an object's top-level keys and fails
// on any name outside allowed. A plain json.Unmarshal into a typed
// struct ignores fields it doesn't recognize, which would let a
// tenant's typo or a probing client sail through unnoticed; this walks
// the raw document instead of the decoded struct to catch that.
func RejectUnknownFields(raw json.RawMessage, allowed ...string) error {
	if len(raw) == 0 {
		return nil
	}

	v, err := QueryJSON(raw, "keys")
	if err != nil {
		return fmt.Errorf("could not inspect fields: %w", err)
	}
	keys, ok := v.([]interface{})
	if !ok {
		return nil
	}

	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	for _, k := range keys {
		name, _ := k.(string)
		if !set[name] {
			return fmt.Errorf("unknown field %q", name)
		}
	}
	return nil
}

// RejectDangerousKeys walks every nested object in raw and fails if any
// key matches one of the blocked names, at any depth. request_json's
// shape is entirely tenant-defined before it's forwarded verbatim to
// target_url, so a blocklist over the decoded tree is the only way to
// screen it for markers like __proto__ that a fixed struct can't name.
func RejectDangerousKeys(raw json.RawMessage, blocked ...string) error {
	if len(raw) == 0 {
		return nil
	}

	v, err := QueryJSON(raw, `[.. | objects | keys[]?]`)
	if err != nil {
		return fmt.Errorf("could not inspect fields: %w", err)
	}
	keys, ok := v.([]interface{})
	if !ok {
		return nil
	}

	block := make(map[string]bool, len(blocked))
	for _, b := range blocked {
		block[b] = true
	}
	for _, k := range keys {
		name, _ := k.(string)
		if block[name] {
			return fmt.Errorf("field %q is not allowed in request_json", name)
		}
	}
	return nil
}
