package model

import (
	"sort"
	"time"
)

// Tombstone marks a record as permanently deleted. It always takes precedence
// over a record with the same key, whatever the record's UpdatedAt.
type Tombstone struct {
	Table     string    `json:"table"`
	RecordID  ID        `json:"record_id"`
	DeletedAt time.Time `json:"deleted_at"`
	DeletedBy string    `json:"deleted_by"`
}

// Key returns the table/id pair the tombstone covers
func (t Tombstone) Key() Key {
	return Key{Table: t.Table, ID: t.RecordID}
}

// TombstoneSet is an in-memory tombstone log keyed by table/id.
type TombstoneSet struct {
	items map[Key]Tombstone
}

// NewTombstoneSet builds a set from the given tombstones
func NewTombstoneSet(tombstones ...Tombstone) TombstoneSet {
	s := TombstoneSet{items: make(map[Key]Tombstone, len(tombstones))}
	for _, t := range tombstones {
		s.Add(t)
	}
	return s
}

// Add records t. Adding a key that is already present keeps the earlier
// deletion (ties broken by actor name) and reports false.
func (s *TombstoneSet) Add(t Tombstone) bool {
	if s.items == nil {
		s.items = map[Key]Tombstone{}
	}
	t.DeletedAt = t.DeletedAt.UTC().Truncate(time.Microsecond)
	existing, ok := s.items[t.Key()]
	if !ok {
		s.items[t.Key()] = t
		return true
	}
	if precedes(t, existing) {
		s.items[t.Key()] = t
	}
	return false
}

// precedes orders two tombstones of the same key so that union does not depend
// on argument order.
func precedes(a, b Tombstone) bool {
	if !a.DeletedAt.Equal(b.DeletedAt) {
		return a.DeletedAt.Before(b.DeletedAt)
	}
	return a.DeletedBy < b.DeletedBy
}

// Has reports whether key is tombstoned
func (s TombstoneSet) Has(table string, id ID) bool {
	_, ok := s.items[Key{Table: table, ID: id}]
	return ok
}

// Get returns the tombstone for key, if any
func (s TombstoneSet) Get(key Key) (Tombstone, bool) {
	t, ok := s.items[key]
	return t, ok
}

// Len returns the number of tombstoned keys
func (s TombstoneSet) Len() int {
	return len(s.items)
}

// Union returns a new set holding the tombstones of both sets.
func (s TombstoneSet) Union(other TombstoneSet) TombstoneSet {
	out := TombstoneSet{items: make(map[Key]Tombstone, len(s.items)+len(other.items))}
	for _, t := range s.items {
		out.Add(t)
	}
	for _, t := range other.items {
		out.Add(t)
	}
	return out
}

// Slice returns the tombstones ordered by table and record id
func (s TombstoneSet) Slice() []Tombstone {
	out := make([]Tombstone, 0, len(s.items))
	for _, t := range s.items {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Table != out[j].Table {
			return out[i].Table < out[j].Table
		}
		return out[i].RecordID < out[j].RecordID
	})
	return out
}

// Equal reports whether both sets hold the same tombstones
func (s TombstoneSet) Equal(other TombstoneSet) bool {
	if len(s.items) != len(other.items) {
		return false
	}
	for k, t := range s.items {
		o, ok := other.items[k]
		if !ok || !o.DeletedAt.Equal(t.DeletedAt) || o.DeletedBy != t.DeletedBy {
			return false
		}
	}
	return true
}
