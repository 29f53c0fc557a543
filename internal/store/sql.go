package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"erp-sync-service/internal/config"
	"erp-sync-service/internal/database"
	"erp-sync-service/internal/logger"
	"erp-sync-service/internal/model"
)

// SQLStore implements Store on MySQL or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// New opens the state store selected by cfg.Type and creates its tables.
func New(ctx context.Context, cfg config.StateStorage) (*SQLStore, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch cfg.Type {
	case config.StorageMySQL:
		dialect = MySQL
		db, err = database.Open(ctx, "mysql", cfg.Connection().DSN())
		if err == nil {
			db.SetMaxOpenConns(10)
			db.SetMaxIdleConns(5)
		}
	case config.StorageSQLite:
		dialect = SQLite
		db, err = database.Open(ctx, "sqlite3", cfg.FilePath+"?_busy_timeout=5000&_journal_mode=WAL")
		if err == nil {
			// One writer at a time.
			db.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnknownStorage, cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	s := NewSQLStore(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Log.Info("State store ready", zap.String("type", dialect.String()))
	return s, nil
}

// NewSQLStore wraps an open pool. Call Migrate before first use on a fresh
// database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates missing tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create %s schema: %w", s.dialect, err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) LoadSnapshot(ctx context.Context, dir model.Direction) (model.Snapshot, error) {
	query := `SELECT record_key, payload, modified_at FROM sync_snapshot WHERE direction = ?`

	rows, err := s.db.QueryContext(ctx, query, string(dir))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snap := make(model.Snapshot)
	for rows.Next() {
		var (
			key      string
			payload  string
			modified sql.NullTime
		)
		if err := rows.Scan(&key, &payload, &modified); err != nil {
			return nil, err
		}
		values, err := decodeValues(payload)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s/%s: %w", dir, key, err)
		}
		entry := model.SnapshotEntry{Key: key, Values: values}
		if modified.Valid {
			entry.ModifiedAt = modified.Time.UTC()
		}
		snap[key] = entry
	}
	return snap, rows.Err()
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, dir model.Direction, entries []model.SnapshotEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.dialect.upsertSnapshot())
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := s.now()
		for _, e := range entries {
			payload, err := json.Marshal(e.Values)
			if err != nil {
				return fmt.Errorf("snapshot %s/%s: %w", dir, e.Key, err)
			}
			if _, err := stmt.ExecContext(ctx, string(dir), e.Key, string(payload), nullTime(e.ModifiedAt), now); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) DeleteSnapshot(ctx context.Context, dir model.Direction, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM sync_snapshot WHERE direction = ? AND record_key = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, key := range keys {
			if _, err := stmt.ExecContext(ctx, string(dir), key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) GetSyncState(ctx context.Context, dir model.Direction) (*SyncState, error) {
	query := `SELECT direction, status, last_run_at, watermark, error_message, updated_at
			  FROM sync_state WHERE direction = ?`

	row := s.db.QueryRowContext(ctx, query, string(dir))

	var state SyncState
	err := row.Scan(
		&state.Direction,
		&state.Status,
		&state.LastRunAt,
		&state.Watermark,
		&state.ErrorMessage,
		&state.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &state, nil
}

func (s *SQLStore) UpdateSyncState(ctx context.Context, state *SyncState) error {
	state.UpdatedAt = s.now()
	_, err := s.db.ExecContext(ctx, s.dialect.upsertState(),
		state.Direction,
		state.Status,
		state.LastRunAt,
		state.Watermark,
		state.ErrorMessage,
		state.UpdatedAt,
	)
	return err
}

func (s *SQLStore) CreateConflict(ctx context.Context, conflict *Conflict) error {
	query := `INSERT INTO conflicts (id, direction, record_key, fields, local_data, erp_data, resolution, detected_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		conflict.ID,
		conflict.Direction,
		conflict.RecordKey,
		conflict.Fields,
		rawText(conflict.LocalData),
		rawText(conflict.ERPData),
		conflict.Resolution,
		conflict.DetectedAt,
	)

	return err
}

func (s *SQLStore) ListConflicts(ctx context.Context, limit, offset int) ([]*Conflict, error) {
	query := `SELECT id, direction, record_key, fields, local_data, erp_data, resolution, detected_at
			  FROM conflicts ORDER BY detected_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		var (
			c          Conflict
			local, erp sql.NullString
		)
		err := rows.Scan(
			&c.ID,
			&c.Direction,
			&c.RecordKey,
			&c.Fields,
			&local,
			&erp,
			&c.Resolution,
			&c.DetectedAt,
		)
		if err != nil {
			return nil, err
		}
		if local.Valid {
			c.LocalData = json.RawMessage(local.String)
		}
		if erp.Valid {
			c.ERPData = json.RawMessage(erp.String)
		}
		conflicts = append(conflicts, &c)
	}

	return conflicts, rows.Err()
}

func (s *SQLStore) CreateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `INSERT INTO sync_history (id, started_at, completed_at, direction, fetched, created, updated, deleted, skipped, rejected, failed, conflicts, status, error_message)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		history.ID,
		history.StartedAt,
		history.CompletedAt,
		history.Direction,
		history.Fetched,
		history.Created,
		history.Updated,
		history.Deleted,
		history.Skipped,
		history.Rejected,
		history.Failed,
		history.Conflicts,
		history.Status,
		history.ErrorMessage,
	)

	return err
}

func (s *SQLStore) UpdateSyncHistory(ctx context.Context, history *SyncHistory) error {
	query := `UPDATE sync_history SET completed_at = ?, fetched = ?, created = ?, updated = ?, deleted = ?, skipped = ?, rejected = ?, failed = ?, conflicts = ?, status = ?, error_message = ?
			  WHERE id = ?`

	_, err := s.db.ExecContext(ctx, query,
		history.CompletedAt,
		history.Fetched,
		history.Created,
		history.Updated,
		history.Deleted,
		history.Skipped,
		history.Rejected,
		history.Failed,
		history.Conflicts,
		history.Status,
		history.ErrorMessage,
		history.ID,
	)

	return err
}

func (s *SQLStore) GetSyncHistory(ctx context.Context, limit, offset int) ([]*SyncHistory, error) {
	query := `SELECT id, started_at, completed_at, direction, fetched, created, updated, deleted, skipped, rejected, failed, conflicts, status, error_message
			  FROM sync_history ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*SyncHistory
	for rows.Next() {
		var h SyncHistory
		err := rows.Scan(
			&h.ID,
			&h.StartedAt,
			&h.CompletedAt,
			&h.Direction,
			&h.Fetched,
			&h.Created,
			&h.Updated,
			&h.Deleted,
			&h.Skipped,
			&h.Rejected,
			&h.Failed,
			&h.Conflicts,
			&h.Status,
			&h.ErrorMessage,
		)
		if err != nil {
			return nil, err
		}
		history = append(history, &h)
	}

	return history, rows.Err()
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return database.Wrap(s.db).ExecTx(ctx, fn)
}

func decodeValues(payload string) (model.Values, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	var values model.Values
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	if values == nil {
		values = model.Values{}
	}
	values.Canonicalize()
	return values, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func rawText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
