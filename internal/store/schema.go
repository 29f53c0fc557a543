package store

// Dialect selects the SQL flavour of the state store.
type Dialect int

const (
	MySQL Dialect = iota
	SQLite
)

func (d Dialect) String() string {
	if d == SQLite {
		return "sqlite"
	}
	return "mysql"
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_state (
		direction VARCHAR(16) NOT NULL PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		last_run_at DATETIME(6) NULL,
		watermark DATETIME(6) NULL,
		error_message TEXT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_snapshot (
		direction VARCHAR(16) NOT NULL,
		record_key VARCHAR(191) NOT NULL,
		payload TEXT NOT NULL,
		modified_at DATETIME NULL,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (direction, record_key)
	)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		id CHAR(36) NOT NULL PRIMARY KEY,
		direction VARCHAR(16) NOT NULL,
		record_key VARCHAR(191) NOT NULL,
		fields TEXT NOT NULL,
		local_data TEXT NULL,
		erp_data TEXT NULL,
		resolution VARCHAR(32) NOT NULL,
		detected_at DATETIME(6) NOT NULL,
		INDEX idx_conflicts_detected (detected_at)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_history (
		id CHAR(36) NOT NULL PRIMARY KEY,
		started_at DATETIME(6) NOT NULL,
		completed_at DATETIME(6) NULL,
		direction VARCHAR(16) NOT NULL,
		fetched INT NOT NULL DEFAULT 0,
		created INT NOT NULL DEFAULT 0,
		updated INT NOT NULL DEFAULT 0,
		deleted INT NOT NULL DEFAULT 0,
		skipped INT NOT NULL DEFAULT 0,
		rejected INT NOT NULL DEFAULT 0,
		failed INT NOT NULL DEFAULT 0,
		conflicts INT NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		error_message TEXT NULL,
		INDEX idx_sync_history_started (started_at)
	)`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS sync_state (
		direction TEXT NOT NULL PRIMARY KEY,
		status TEXT NOT NULL,
		last_run_at DATETIME NULL,
		watermark DATETIME NULL,
		error_message TEXT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_snapshot (
		direction TEXT NOT NULL,
		record_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		modified_at DATETIME NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (direction, record_key)
	)`,
	`CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT NOT NULL PRIMARY KEY,
		direction TEXT NOT NULL,
		record_key TEXT NOT NULL,
		fields TEXT NOT NULL,
		local_data TEXT NULL,
		erp_data TEXT NULL,
		resolution TEXT NOT NULL,
		detected_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conflicts_detected ON conflicts (detected_at)`,
	`CREATE TABLE IF NOT EXISTS sync_history (
		id TEXT NOT NULL PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME NULL,
		direction TEXT NOT NULL,
		fetched INTEGER NOT NULL DEFAULT 0,
		created INTEGER NOT NULL DEFAULT 0,
		updated INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		rejected INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		conflicts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error_message TEXT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_history_started ON sync_history (started_at)`,
}

// customersSchema is the internal customer table. The CRM owns it in
// production; the sync service only creates it for local setups.
const customersSchema = `CREATE TABLE IF NOT EXISTS customers (
	id CHAR(36) NOT NULL PRIMARY KEY,
	name VARCHAR(255) NOT NULL DEFAULT '',
	group_id VARCHAR(64) NOT NULL DEFAULT '',
	group_type VARCHAR(32) NOT NULL DEFAULT '',
	registered_at DATETIME NULL,
	last_active_at DATETIME NULL,
	total_questions BIGINT NOT NULL DEFAULT 0,
	solved_questions BIGINT NOT NULL DEFAULT 0,
	handoff_count BIGINT NOT NULL DEFAULT 0,
	tags TEXT NULL,
	notes TEXT NULL,
	priority TINYINT NOT NULL DEFAULT 3,
	erp_customer_code VARCHAR(64) NULL,
	phone VARCHAR(64) NOT NULL DEFAULT '',
	company_name VARCHAR(255) NOT NULL DEFAULT '',
	updated_at DATETIME(6) NOT NULL,
	deleted_at DATETIME(6) NULL,
	UNIQUE KEY uk_customers_erp_code (erp_customer_code),
	INDEX idx_customers_updated (updated_at)
)`

func (d Dialect) schema() []string {
	if d == SQLite {
		return sqliteSchema
	}
	return mysqlSchema
}

func (d Dialect) upsertState() string {
	if d == SQLite {
		return `INSERT INTO sync_state (direction, status, last_run_at, watermark, error_message, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON CONFLICT(direction) DO UPDATE SET
			  status = excluded.status,
			  last_run_at = excluded.last_run_at,
			  watermark = excluded.watermark,
			  error_message = excluded.error_message,
			  updated_at = excluded.updated_at`
	}
	return `INSERT INTO sync_state (direction, status, last_run_at, watermark, error_message, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  status = VALUES(status),
			  last_run_at = VALUES(last_run_at),
			  watermark = VALUES(watermark),
			  error_message = VALUES(error_message),
			  updated_at = VALUES(updated_at)`
}

func (d Dialect) upsertSnapshot() string {
	if d == SQLite {
		return `INSERT INTO sync_snapshot (direction, record_key, payload, modified_at, updated_at)
			  VALUES (?, ?, ?, ?, ?)
			  ON CONFLICT(direction, record_key) DO UPDATE SET
			  payload = excluded.payload,
			  modified_at = excluded.modified_at,
			  updated_at = excluded.updated_at`
	}
	return `INSERT INTO sync_snapshot (direction, record_key, payload, modified_at, updated_at)
			  VALUES (?, ?, ?, ?, ?)
			  ON DUPLICATE KEY UPDATE
			  payload = VALUES(payload),
			  modified_at = VALUES(modified_at),
			  updated_at = VALUES(updated_at)`
}
