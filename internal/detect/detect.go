// Package detect computes record-level changes between a snapshot and a
// freshly observed set of records.
package detect

import (
	"sort"
	"time"

	"erp-sync-service/internal/model"
)

// Op is the kind of a change.
type Op string

const (
	Create Op = "create"
	Update Op = "update"
	Delete Op = "delete"
)

// Change is one detected difference. For Update, Values holds only the changed
// fields and Previous their snapshot values.
type Change struct {
	Op         Op
	Key        string
	Values     model.Values
	Changed    []string
	Previous   model.Values
	Extra      map[string]string
	ModifiedAt time.Time
}

// Diff compares a complete observation against the snapshot. Keys missing
// from current become Deletes.
func Diff(prev model.Snapshot, current []model.Record) []Change {
	changes, seen := diff(prev, current)

	var gone []string
	for key := range prev {
		if !seen[key] {
			gone = append(gone, key)
		}
	}
	sort.Strings(gone)
	for _, key := range gone {
		entry := prev[key]
		changes = append(changes, Change{
			Op:         Delete,
			Key:        key,
			Previous:   entry.Values.Clone(),
			ModifiedAt: entry.ModifiedAt,
		})
	}
	return changes
}

// DiffChanged compares a partial observation (only records known to have
// changed, or a fetch that may have missed some) against the snapshot. Only
// records flagged Deleted produce Deletes.
func DiffChanged(prev model.Snapshot, changed []model.Record) []Change {
	changes, _ := diff(prev, changed)
	return changes
}

func diff(prev model.Snapshot, current []model.Record) ([]Change, map[string]bool) {
	seen := make(map[string]bool, len(current))
	var changes []Change

	for _, rec := range current {
		if rec.Key == "" || seen[rec.Key] {
			continue
		}
		seen[rec.Key] = true

		entry, known := prev[rec.Key]
		switch {
		case rec.Deleted && known:
			changes = append(changes, Change{
				Op:         Delete,
				Key:        rec.Key,
				Previous:   entry.Values.Clone(),
				Extra:      rec.Extra,
				ModifiedAt: rec.ModifiedAt,
			})
		case rec.Deleted:
		case !known:
			changes = append(changes, CreateOf(rec))
		default:
			if c, ok := compare(entry, rec); ok {
				changes = append(changes, c)
			}
		}
	}
	return changes, seen
}

// CreateOf returns the Create introducing rec as a whole.
func CreateOf(rec model.Record) Change {
	return Change{
		Op:         Create,
		Key:        rec.Key,
		Values:     rec.Values.Clone(),
		Changed:    rec.Values.Keys(),
		Extra:      rec.Extra,
		ModifiedAt: rec.ModifiedAt,
	}
}

// compare returns an Update carrying only the fields of rec whose value
// differs from the snapshot entry.
func compare(entry model.SnapshotEntry, rec model.Record) (Change, bool) {
	var changed []string
	for _, field := range rec.Values.Keys() {
		if !model.Equal(field, entry.Values[field], rec.Values[field]) {
			changed = append(changed, field)
		}
	}
	if len(changed) == 0 {
		return Change{}, false
	}

	values := make(model.Values, len(changed))
	previous := make(model.Values, len(changed))
	for _, field := range changed {
		values[field] = rec.Values[field]
		previous[field] = entry.Values[field]
	}
	return Change{
		Op:         Update,
		Key:        rec.Key,
		Values:     values,
		Changed:    changed,
		Previous:   previous,
		Extra:      rec.Extra,
		ModifiedAt: rec.ModifiedAt,
	}, true
}

// Advance returns the snapshot entry reflecting change applied on top of
// base. Deletes return ok=false: the entry should be removed.
func Advance(base model.SnapshotEntry, change Change) (model.SnapshotEntry, bool) {
	if change.Op == Delete {
		return model.SnapshotEntry{}, false
	}
	entry := model.SnapshotEntry{Key: change.Key, ModifiedAt: change.ModifiedAt}
	if change.Op == Update && base.Values != nil {
		entry.Values = base.Values.Clone()
	} else {
		entry.Values = make(model.Values, len(change.Values))
	}
	for field, v := range change.Values {
		entry.Values[field] = v
	}
	if entry.ModifiedAt.IsZero() {
		entry.ModifiedAt = base.ModifiedAt
	}
	return entry, true
}
