// Package database implements the durable store behind the process engine
// and the credential manager: process instances, the append-only step log,
// connected-system ciphertexts, and the fan-in/cron support tables. Two
// implementations share one contract: Postgres for deployments, an in-memory
// store for development and tests.
package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Step-log rows in one of these states are final: a later write for the same
// (instance, step, attempt) key must not change them. async_dispatched is not
// final; the detached execution finalises that row when it lands.
var finalStepStatuses = map[string]bool{
	"completed":   true,
	"failed":      true,
	"skipped":     true,
	"interrupted": true,
}

func stepStatusFinal(status string) bool { return finalStepStatuses[status] }

// MinuteKey canonicalises a schedule tick for the cron dedup table.
func MinuteKey(t time.Time) time.Time { return t.UTC().Truncate(time.Minute) }

// jsonMap stores a schemaless document in a JSONB column.
type jsonMap map[string]any

func (m jsonMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *jsonMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into jsonMap", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// jsonStringMap stores a string-to-string mapping in a JSONB column.
type jsonStringMap map[string]string

func (m jsonStringMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *jsonStringMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into jsonStringMap", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}
