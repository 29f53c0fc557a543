package sync

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"erp-sync-service/internal/model"
	"erp-sync-service/internal/rules"
	"erp-sync-service/internal/store"
)

// Conflict resolutions.
const (
	ResolutionApplied = "applied"
	ResolutionKept    = "kept"
	ResolutionMixed   = "mixed"
)

// ConflictManager records fields that changed on both sides since the last
// pass, together with how the rules resolved them.
type ConflictManager struct {
	store store.Store
	now   func() time.Time
}

func NewConflictManager(store store.Store) *ConflictManager {
	return &ConflictManager{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Build returns the conflict row for decision, or nil when it has none.
// source holds the incoming values and target the opposing system's.
func (cm *ConflictManager) Build(dir model.Direction, key string, source, target model.Values, d rules.Decision) *store.Conflict {
	if len(d.Conflicts) == 0 {
		return nil
	}

	applied := 0
	for _, f := range d.Conflicts {
		if _, ok := d.Values[f]; ok {
			applied++
		}
	}
	resolution := ResolutionMixed
	switch applied {
	case 0:
		resolution = ResolutionKept
	case len(d.Conflicts):
		resolution = ResolutionApplied
	}

	local, erpSide := target, source
	if dir == model.Push {
		local, erpSide = source, target
	}
	localBytes, _ := json.Marshal(local.Project(d.Conflicts))
	erpBytes, _ := json.Marshal(erpSide.Project(d.Conflicts))

	return &store.Conflict{
		ID:         uuid.New().String(),
		Direction:  string(dir),
		RecordKey:  key,
		Fields:     strings.Join(d.Conflicts, ","),
		LocalData:  json.RawMessage(localBytes),
		ERPData:    json.RawMessage(erpBytes),
		Resolution: resolution,
		DetectedAt: cm.now(),
	}
}

func (cm *ConflictManager) RecordConflict(ctx context.Context, conflict *store.Conflict) error {
	return cm.store.CreateConflict(ctx, conflict)
}
