package model

import (
	"sort"
	"time"
)

// Direction is a synchronization direction.
type Direction string

const (
	// Pull moves data from the ERP into the internal store.
	Pull Direction = "pull"
	// Push moves data from the internal store into the ERP.
	Push Direction = "push"
)

func (d Direction) Valid() bool {
	return d == Pull || d == Push
}

// Values maps field names to canonical values.
type Values map[string]any

// Clone returns a shallow copy.
func (v Values) Clone() Values {
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Keys returns the field names in sorted order.
func (v Values) Keys() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Project returns the subset of v restricted to fields.
func (v Values) Project(fields []string) Values {
	out := make(Values, len(fields))
	for _, f := range fields {
		if val, ok := v[f]; ok {
			out[f] = val
		}
	}
	return out
}

// Canonicalize coerces every value in place. Values that fail to parse become
// the zero value of their kind; the failing field names are returned.
func (v Values) Canonicalize() []string {
	var bad []string
	for k, raw := range v {
		c, err := Coerce(k, raw)
		if err != nil {
			bad = append(bad, k)
		}
		v[k] = c
	}
	sort.Strings(bad)
	return bad
}

// Record is one normalized entity as observed on one side of the sync.
type Record struct {
	Key        string
	Values     Values
	Extra      map[string]string
	ModifiedAt time.Time
	Deleted    bool
	Warnings   []string
}

// SnapshotEntry is the last-known state of one record.
type SnapshotEntry struct {
	Key        string    `json:"key"`
	Values     Values    `json:"values"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Snapshot is the diff baseline keyed by record key.
type Snapshot map[string]SnapshotEntry
