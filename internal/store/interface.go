package store

import (
	"context"
	"time"

	"erp-sync-service/internal/model"
)

// Store persists sync bookkeeping: snapshots, state, history and conflicts.
type Store interface {
	// Snapshots
	LoadSnapshot(ctx context.Context, dir model.Direction) (model.Snapshot, error)
	SaveSnapshot(ctx context.Context, dir model.Direction, entries []model.SnapshotEntry) error
	DeleteSnapshot(ctx context.Context, dir model.Direction, keys []string) error

	// Sync State
	GetSyncState(ctx context.Context, dir model.Direction) (*SyncState, error)
	UpdateSyncState(ctx context.Context, state *SyncState) error

	// Conflicts
	CreateConflict(ctx context.Context, conflict *Conflict) error
	ListConflicts(ctx context.Context, limit, offset int) ([]*Conflict, error)

	// History
	CreateSyncHistory(ctx context.Context, history *SyncHistory) error
	UpdateSyncHistory(ctx context.Context, history *SyncHistory) error
	GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error)

	// General
	Close() error
}

// CustomerStore is the internal customer table the sync reads and writes.
type CustomerStore interface {
	Get(ctx context.Context, id string) (*model.Customer, error)
	GetByERPCode(ctx context.Context, code string) (*model.Customer, error)
	// UpsertByERPCode applies values to the live customer linked to code,
	// creating it when none exists. The bool reports a create.
	UpsertByERPCode(ctx context.Context, code string, values model.Values) (*model.Customer, bool, error)
	UpdateFields(ctx context.Context, id string, values model.Values) error
	SoftDeleteByERPCode(ctx context.Context, code string) error
	// ListChangedSince returns customers updated at or after since,
	// tombstones included.
	ListChangedSince(ctx context.Context, since time.Time) ([]*model.Customer, error)
}
