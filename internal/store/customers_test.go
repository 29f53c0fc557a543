package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-sync-service/internal/database"
	"erp-sync-service/internal/model"
)

var customerCols = []string{
	"id", "name", "group_id", "group_type", "registered_at", "last_active_at", "total_questions", "solved_questions",
	"handoff_count", "tags", "notes", "priority", "erp_customer_code", "phone", "company_name", "updated_at", "deleted_at",
}

func newCustomerStore(t *testing.T) (*MySQLCustomerStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewMySQLCustomerStore(database.Wrap(db))
	s.now = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	return s, mock
}

func customerRow(id, name, code string, deletedAt any) *sqlmock.Rows {
	updated := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(customerCols).AddRow(
		id, name, "g1", "vip", nil, nil, int64(10), int64(7), int64(1),
		`["b","a"]`, "notes", int64(4), code, "555", "Acme Ltd", updated, deletedAt,
	)
}

func TestCustomerStore_UpsertCreates(t *testing.T) {
	s, mock := newCustomerStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM customers WHERE erp_customer_code = \\? FOR UPDATE").
		WithArgs("C100").
		WillReturnRows(sqlmock.NewRows(customerCols))
	mock.ExpectExec("INSERT INTO customers").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	c, created, err := s.UpsertByERPCode(context.Background(), "C100", model.Values{model.FieldName: "Acme"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "C100", c.ERPCustomerCode)
	assert.Equal(t, "Acme", c.Name)
	assert.Equal(t, model.DefaultPriority, c.Priority)
	assert.NotEmpty(t, c.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomerStore_UpsertUpdatesAndRevives(t *testing.T) {
	s, mock := newCustomerStore(t)
	deleted := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM customers WHERE erp_customer_code = \\? FOR UPDATE").
		WithArgs("C100").
		WillReturnRows(customerRow("id-1", "Acme", "C100", deleted))
	mock.ExpectExec("UPDATE customers SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	c, created, err := s.UpsertByERPCode(context.Background(), "C100", model.Values{model.FieldName: "Acme Corp"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "id-1", c.ID)
	assert.Equal(t, "Acme Corp", c.Name)
	assert.Equal(t, "Acme Ltd", c.CompanyName, "fields not in values are kept")
	assert.Equal(t, []string{"b", "a"}, c.Tags)
	assert.Nil(t, c.DeletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomerStore_UpsertRejectsEmptyCode(t *testing.T) {
	s, _ := newCustomerStore(t)
	_, _, err := s.UpsertByERPCode(context.Background(), "", model.Values{})
	assert.Error(t, err)
}

func TestCustomerStore_UpdateFieldsNotFound(t *testing.T) {
	s, mock := newCustomerStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM customers WHERE id = \\? FOR UPDATE").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(customerCols))
	mock.ExpectRollback()

	err := s.UpdateFields(context.Background(), "nope", model.Values{model.FieldERPCustomerCode: "N0001"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomerStore_SoftDelete(t *testing.T) {
	s, mock := newCustomerStore(t)
	now := s.now()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE customers SET deleted_at = \\?, updated_at = \\? WHERE erp_customer_code = \\? AND deleted_at IS NULL").
		WithArgs(now, now, "C100").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SoftDeleteByERPCode(context.Background(), "C100"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomerStore_ListChangedSince(t *testing.T) {
	s, mock := newCustomerStore(t)
	since := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	deleted := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)

	rows := customerRow("id-1", "Acme", "C100", nil)
	rows.AddRow("id-2", "Gone", "g", "", nil, nil, int64(0), int64(0), int64(0), nil, nil, int64(3), nil, "", "", deleted, deleted)
	mock.ExpectQuery("SELECT .* FROM customers WHERE updated_at >= \\? ORDER BY updated_at, id").
		WithArgs(since).
		WillReturnRows(rows)

	customers, err := s.ListChangedSince(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, customers, 2)

	assert.Equal(t, "C100", customers[0].ERPCustomerCode)
	assert.True(t, customers[0].IsVIP())
	assert.InDelta(t, 0.7, customers[0].SatisfactionRate(), 1e-9)
	assert.False(t, customers[0].Deleted())

	assert.Equal(t, "", customers[1].ERPCustomerCode)
	assert.True(t, customers[1].Deleted())
	assert.Empty(t, customers[1].Tags)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCustomerStore_GetMissing(t *testing.T) {
	s, mock := newCustomerStore(t)
	mock.ExpectQuery("SELECT .* FROM customers WHERE id = \\?").
		WithArgs("x").
		WillReturnRows(sqlmock.NewRows(customerCols))

	c, err := s.Get(context.Background(), "x")
	require.NoError(t, err)
	assert.Nil(t, c)
}
