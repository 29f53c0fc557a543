// Package mapper translates between ERP column/row tables and canonical records.
package mapper

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"erp-sync-service/internal/erp"
	"erp-sync-service/internal/model"
)

// MetaModifiedAt targets the record's modification time rather than a field.
const MetaModifiedAt = "@modified_at"

// erpTimeLayout is how the ERP renders timestamps.
const erpTimeLayout = "2006-01-02 15:04:05"

// ColumnMap declares how one endpoint's columns map to canonical fields.
type ColumnMap struct {
	// Key is the canonical field identifying a record.
	Key string
	// Columns maps ERP column ids to canonical field names or MetaModifiedAt.
	Columns map[string]string
}

// CustomerColumns is the mapping of the customer list endpoint.
var CustomerColumns = ColumnMap{
	Key: model.FieldERPCustomerCode,
	Columns: map[string]string{
		"khbh": model.FieldERPCustomerCode,
		"khmc": model.FieldName,
		"sj":   model.FieldPhone,
		"gsmc": model.FieldCompanyName,
		"bz":   model.FieldNotes,
		"jb":   model.FieldPriority,
		"bq":   model.FieldTags,
		"tjsj": model.FieldRegisteredAt,
		"gxsj": MetaModifiedAt,
	},
}

// MappingError reports a page or row whose layout cannot be mapped.
type MappingError struct {
	Row    int // -1 for page-level problems
	Reason string
}

func (e *MappingError) Error() string {
	if e.Row < 0 {
		return "mapping: " + e.Reason
	}
	return fmt.Sprintf("mapping: row %d: %s", e.Row, e.Reason)
}

// Result is the outcome of mapping one table.
type Result struct {
	Records []model.Record
	Skipped []*MappingError
}

// Fields returns the canonical fields covered by the map, sorted.
func (m ColumnMap) Fields() []string {
	fields := make([]string, 0, len(m.Columns))
	for _, f := range m.Columns {
		if f != MetaModifiedAt {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	return fields
}

// ColumnFor returns the column id mapped to field.
func (m ColumnMap) ColumnFor(field string) (string, bool) {
	for col, f := range m.Columns {
		if f == field {
			return col, true
		}
	}
	return "", false
}

// MapRows maps rows positionally through cols. A layout that lacks the key
// column fails the whole table; malformed rows are skipped and reported.
// Unmapped columns land in Record.Extra. Unparseable numbers become 0 and
// unparseable dates become unknown, each with a warning on the record.
func (m ColumnMap) MapRows(cols []erp.Column, rows [][]any) (Result, error) {
	keyCol, ok := m.ColumnFor(m.Key)
	if !ok {
		return Result{}, &MappingError{Row: -1, Reason: fmt.Sprintf("no column mapped to key %q", m.Key)}
	}

	seen := make(map[string]bool, len(cols))
	keyIndex := -1
	for i, col := range cols {
		if seen[col.ID] {
			return Result{}, &MappingError{Row: -1, Reason: fmt.Sprintf("duplicate column %q", col.ID)}
		}
		seen[col.ID] = true
		if col.ID == keyCol {
			keyIndex = i
		}
	}
	if keyIndex < 0 {
		return Result{}, &MappingError{Row: -1, Reason: fmt.Sprintf("key column %q missing", keyCol)}
	}

	res := Result{Records: make([]model.Record, 0, len(rows))}
	for i, row := range rows {
		if len(row) != len(cols) {
			res.Skipped = append(res.Skipped, &MappingError{
				Row:    i,
				Reason: fmt.Sprintf("%d cells for %d columns", len(row), len(cols)),
			})
			continue
		}

		rec := model.Record{Values: make(model.Values, len(m.Columns))}
		for j, col := range cols {
			field, mapped := m.Columns[col.ID]
			cell := row[j]

			if !mapped {
				if rec.Extra == nil {
					rec.Extra = make(map[string]string)
				}
				rec.Extra[col.ID] = cellText(cell)
				continue
			}

			if field == MetaModifiedAt {
				v, err := model.Coerce(model.FieldRegisteredAt, cell)
				if err != nil {
					rec.Warnings = append(rec.Warnings, fmt.Sprintf("%s: %v", col.ID, err))
				}
				rec.ModifiedAt = v.(time.Time)
				continue
			}

			v, err := model.Coerce(field, cell)
			if err != nil {
				rec.Warnings = append(rec.Warnings, fmt.Sprintf("%s: %v", field, err))
			}
			rec.Values[field] = v
		}

		rec.Key = strings.TrimSpace(cellText(row[keyIndex]))
		if rec.Key == "" {
			res.Skipped = append(res.Skipped, &MappingError{Row: i, Reason: "empty record key"})
			continue
		}
		rec.Values[m.Key] = rec.Key
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

// ToFields renders values as ERP request fields, in column order. Fields the
// map does not cover are left out.
func (m ColumnMap) ToFields(values model.Values) []erp.Field {
	cols := make([]string, 0, len(m.Columns))
	for col := range m.Columns {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	fields := make([]erp.Field, 0, len(values))
	for _, col := range cols {
		field := m.Columns[col]
		v, ok := values[field]
		if !ok {
			continue
		}
		fields = append(fields, erp.Text(col, formatValue(field, v)))
	}
	return fields
}

func formatValue(field string, raw any) string {
	v, _ := model.Coerce(field, raw)
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case time.Time:
		if x.IsZero() {
			return ""
		}
		return x.In(time.Local).Format(erpTimeLayout)
	case []string:
		return strings.Join(x, ",")
	case string:
		return x
	}
	return fmt.Sprint(v)
}

func cellText(cell any) string {
	switch v := cell.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
