// Package model defines the records, tombstones and snapshots exchanged between
// regional replicas and the master store.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ID identifies a record within its table. Sites address rows by integer or
// string keys, so both JSON forms decode to the same ID.
type ID string

// UnmarshalJSON accepts a JSON string or a JSON integer
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("record id must be a string or an integer: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("record id %s is not an integer", n)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// Key addresses a row (or its tombstone) across all stores.
type Key struct {
	Table string
	ID    ID
}

func (k Key) String() string {
	return k.Table + "/" + string(k.ID)
}

// Record is one row of a synchronized table. A record is atomic: writes always
// replace every field.
type Record struct {
	Table     string         `json:"table"`
	ID        ID             `json:"id"`
	Region    string         `json:"region,omitempty"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Key returns the table/id pair of the record
func (r Record) Key() Key {
	return Key{Table: r.Table, ID: r.ID}
}

// Validate checks that the record can be addressed
func (r Record) Validate() error {
	if strings.TrimSpace(r.Table) == "" {
		return fmt.Errorf("record %q has no table", r.ID)
	}
	if strings.TrimSpace(string(r.ID)) == "" {
		return fmt.Errorf("record in table %q has no id", r.Table)
	}
	return nil
}

// Normalize returns a copy with UpdatedAt in UTC at microsecond precision,
// matching what the PostgreSQL and SQLite stores can represent.
func (r Record) Normalize() Record {
	r.UpdatedAt = r.UpdatedAt.UTC().Truncate(time.Microsecond)
	if r.Fields == nil {
		r.Fields = map[string]any{}
	}
	return r
}

// FieldsJSON returns the canonical JSON encoding of the fields (map keys sorted).
func (r Record) FieldsJSON() ([]byte, error) {
	if r.Fields == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Fields)
}

// Equal reports whether both records carry the same key, region, payload and
// timestamp.
func (r Record) Equal(other Record) bool {
	if r.Key() != other.Key() || r.Region != other.Region {
		return false
	}
	a, b := r.Normalize(), other.Normalize()
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	aj, errA := a.FieldsJSON()
	bj, errB := b.FieldsJSON()
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aj, bj)
}

// DecodeFields parses a JSON object produced by FieldsJSON
func DecodeFields(data []byte) (map[string]any, error) {
	fields := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}
	return fields, nil
}

// Snapshot is the set of records and tombstones exchanged in one sync.
type Snapshot struct {
	Records     []Record    `json:"records"`
	Tombstones  []Tombstone `json:"tombstones"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// Empty reports whether the snapshot carries neither records nor tombstones
func (s Snapshot) Empty() bool {
	return len(s.Records) == 0 && len(s.Tombstones) == 0
}

// MergeResult summarizes one merge.
type MergeResult struct {
	Accepted   int `json:"accepted"`
	Rejected   int `json:"rejected"`
	Conflicts  int `json:"conflicts"`
	Tombstoned int `json:"tombstoned"`
}

// Changed reports whether the merge modified the master state
func (m MergeResult) Changed() bool {
	return m.Accepted > 0 || m.Tombstoned > 0
}
