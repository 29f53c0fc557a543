package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"erp-sync-service/internal/database"
	"erp-sync-service/internal/model"
)

// ErrNotFound is returned when a customer to update does not exist.
var ErrNotFound = errors.New("customer not found")

const customerColumns = `id, name, group_id, group_type, registered_at, last_active_at, total_questions, solved_questions,
	handoff_count, tags, notes, priority, erp_customer_code, phone, company_name, updated_at, deleted_at`

// MySQLCustomerStore is the CustomerStore of the internal CRM database.
type MySQLCustomerStore struct {
	db  *database.Database
	now func() time.Time
}

func NewMySQLCustomerStore(db *database.Database) *MySQLCustomerStore {
	return &MySQLCustomerStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the customers table when it is missing.
func (s *MySQLCustomerStore) Migrate(ctx context.Context) error {
	_, err := s.db.DB.ExecContext(ctx, customersSchema)
	return err
}

func (s *MySQLCustomerStore) Get(ctx context.Context, id string) (*model.Customer, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ?`, id)
	return scanOptional(row)
}

func (s *MySQLCustomerStore) GetByERPCode(ctx context.Context, code string) (*model.Customer, error) {
	row := s.db.DB.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE erp_customer_code = ?`, code)
	return scanOptional(row)
}

// UpsertByERPCode applies values to the customer linked to code, reviving it
// if it was soft-deleted, or creates a new customer carrying code.
func (s *MySQLCustomerStore) UpsertByERPCode(ctx context.Context, code string, values model.Values) (*model.Customer, bool, error) {
	if code == "" {
		return nil, false, fmt.Errorf("upsert: empty erp_customer_code")
	}

	var (
		result  *model.Customer
		created bool
	)
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE erp_customer_code = ? FOR UPDATE`, code)
		c, err := scanOptional(row)
		if err != nil {
			return err
		}

		if c == nil {
			c = model.NewCustomer()
			created = true
		}
		if err := c.Apply(values); err != nil {
			return err
		}
		c.ERPCustomerCode = code
		c.DeletedAt = nil
		c.UpdatedAt = s.now()

		if created {
			err = insertCustomer(ctx, tx, c)
		} else {
			err = updateCustomer(ctx, tx, c)
		}
		result = c
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

func (s *MySQLCustomerStore) UpdateFields(ctx context.Context, id string, values model.Values) error {
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+customerColumns+` FROM customers WHERE id = ? FOR UPDATE`, id)
		c, err := scanOptional(row)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err := c.Apply(values); err != nil {
			return err
		}
		c.UpdatedAt = s.now()
		return updateCustomer(ctx, tx, c)
	})
}

func (s *MySQLCustomerStore) SoftDeleteByERPCode(ctx context.Context, code string) error {
	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		now := s.now()
		_, err := tx.ExecContext(ctx,
			`UPDATE customers SET deleted_at = ?, updated_at = ? WHERE erp_customer_code = ? AND deleted_at IS NULL`,
			now, now, code)
		return err
	})
}

func (s *MySQLCustomerStore) ListChangedSince(ctx context.Context, since time.Time) ([]*model.Customer, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT `+customerColumns+` FROM customers WHERE updated_at >= ? ORDER BY updated_at, id`, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []*model.Customer
	for rows.Next() {
		c, err := scanCustomer(rows)
		if err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOptional(row *sql.Row) (*model.Customer, error) {
	c, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func scanCustomer(row scanner) (*model.Customer, error) {
	var (
		c                      model.Customer
		registered, lastActive sql.NullTime
		tags, notes, code      sql.NullString
		priority               int
		deletedAt              sql.NullTime
	)
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.GroupID,
		&c.GroupType,
		&registered,
		&lastActive,
		&c.TotalQuestions,
		&c.SolvedQuestions,
		&c.HandoffCount,
		&tags,
		&notes,
		&priority,
		&code,
		&c.Phone,
		&c.CompanyName,
		&c.UpdatedAt,
		&deletedAt,
	)
	if err != nil {
		return nil, err
	}

	c.RegisteredAt = registered.Time.UTC()
	c.LastActiveAt = lastActive.Time.UTC()
	c.Notes = notes.String
	c.Priority = priority
	c.ERPCustomerCode = code.String
	c.UpdatedAt = c.UpdatedAt.UTC()
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &c.Tags); err != nil {
			return nil, fmt.Errorf("customer %s: bad tags: %w", c.ID, err)
		}
	}
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		c.DeletedAt = &t
	}
	return &c, nil
}

func customerArgs(c *model.Customer) ([]any, error) {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return nil, err
	}
	var deletedAt sql.NullTime
	if c.DeletedAt != nil {
		deletedAt = sql.NullTime{Time: c.DeletedAt.UTC(), Valid: true}
	}
	code := sql.NullString{String: c.ERPCustomerCode, Valid: c.ERPCustomerCode != ""}
	return []any{
		c.Name,
		c.GroupID,
		c.GroupType,
		nullTime(c.RegisteredAt),
		nullTime(c.LastActiveAt),
		c.TotalQuestions,
		c.SolvedQuestions,
		c.HandoffCount,
		string(tags),
		c.Notes,
		c.Priority,
		code,
		c.Phone,
		c.CompanyName,
		c.UpdatedAt,
		deletedAt,
	}, nil
}

func insertCustomer(ctx context.Context, tx *sql.Tx, c *model.Customer) error {
	args, err := customerArgs(c)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO customers (id, name, group_id, group_type, registered_at, last_active_at, total_questions, solved_questions,
			handoff_count, tags, notes, priority, erp_customer_code, phone, company_name, updated_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{c.ID}, args...)...)
	return err
}

func updateCustomer(ctx context.Context, tx *sql.Tx, c *model.Customer) error {
	args, err := customerArgs(c)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE customers SET name = ?, group_id = ?, group_type = ?, registered_at = ?, last_active_at = ?, total_questions = ?,
			solved_questions = ?, handoff_count = ?, tags = ?, notes = ?, priority = ?, erp_customer_code = ?, phone = ?,
			company_name = ?, updated_at = ?, deleted_at = ?
		 WHERE id = ?`,
		append(args, c.ID)...)
	return err
}
