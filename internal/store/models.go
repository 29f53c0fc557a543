package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Sync status values stored in sync_state and sync_history.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// SyncState is the per-direction bookkeeping row.
type SyncState struct {
	Direction    string         `db:"direction"`
	Status       string         `db:"status"`
	LastRunAt    sql.NullTime   `db:"last_run_at"`
	Watermark    sql.NullTime   `db:"watermark"`
	ErrorMessage sql.NullString `db:"error_message"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// Conflict records a field that changed on both sides between passes.
type Conflict struct {
	ID         string          `db:"id"`
	Direction  string          `db:"direction"`
	RecordKey  string          `db:"record_key"`
	Fields     string          `db:"fields"`
	LocalData  json.RawMessage `db:"local_data"`
	ERPData    json.RawMessage `db:"erp_data"`
	Resolution string          `db:"resolution"`
	DetectedAt time.Time       `db:"detected_at"`
}

// SyncHistory is the summary of one pass.
type SyncHistory struct {
	ID           string         `db:"id"`
	StartedAt    time.Time      `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
	Direction    string         `db:"direction"`
	Fetched      int            `db:"fetched"`
	Created      int            `db:"created"`
	Updated      int            `db:"updated"`
	Deleted      int            `db:"deleted"`
	Skipped      int            `db:"skipped"`
	Rejected     int            `db:"rejected"`
	Failed       int            `db:"failed"`
	Conflicts    int            `db:"conflicts"`
	Status       string         `db:"status"`
	ErrorMessage sql.NullString `db:"error_message"`
}
