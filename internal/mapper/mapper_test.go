package mapper

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-sync-service/internal/erp"
	"erp-sync-service/internal/model"
)

func cols(ids ...string) []erp.Column {
	out := make([]erp.Column, len(ids))
	for i, id := range ids {
		out[i] = erp.Column{ID: id}
	}
	return out
}

func TestMapRows(t *testing.T) {
	res, err := CustomerColumns.MapRows(
		cols("khbh", "khmc", "jb", "tjsj", "gxsj", "bq", "xyed"),
		[][]any{
			{"C100", "Acme", "4", "2024-01-02 03:04:05", "2024-02-01 00:00:00", "vip,b2b", "50000"},
			{float64(200), "Beta", float64(2), "", "", "", nil},
		},
	)
	require.NoError(t, err)
	require.Len(t, res.Records, 2)
	assert.Empty(t, res.Skipped)

	acme := res.Records[0]
	assert.Equal(t, "C100", acme.Key)
	assert.Equal(t, "Acme", acme.Values[model.FieldName])
	assert.Equal(t, int64(4), acme.Values[model.FieldPriority])
	assert.Equal(t, []string{"b2b", "vip"}, acme.Values[model.FieldTags])
	assert.Equal(t, "C100", acme.Values[model.FieldERPCustomerCode])
	assert.False(t, acme.ModifiedAt.IsZero())
	assert.Equal(t, map[string]string{"xyed": "50000"}, acme.Extra)
	assert.Empty(t, acme.Warnings)
	_, hasModified := acme.Values[MetaModifiedAt]
	assert.False(t, hasModified)

	beta := res.Records[1]
	assert.Equal(t, "200", beta.Key)
	assert.Equal(t, int64(2), beta.Values[model.FieldPriority])
	assert.True(t, beta.Values[model.FieldRegisteredAt].(time.Time).IsZero())
	assert.Equal(t, "", beta.Extra["xyed"])
}

func TestMapRows_PermissiveParsing(t *testing.T) {
	res, err := CustomerColumns.MapRows(
		cols("khbh", "jb", "tjsj"),
		[][]any{{"C1", "high", "not a date"}},
	)
	require.NoError(t, err)
	require.Len(t, res.Records, 1)

	rec := res.Records[0]
	assert.Equal(t, int64(0), rec.Values[model.FieldPriority])
	assert.True(t, rec.Values[model.FieldRegisteredAt].(time.Time).IsZero())
	require.Len(t, rec.Warnings, 2)
	assert.True(t, strings.Contains(strings.Join(rec.Warnings, ";"), model.FieldPriority))
}

func TestMapRows_LayoutProblems(t *testing.T) {
	t.Run("missing key column fails the page", func(t *testing.T) {
		_, err := CustomerColumns.MapRows(cols("khmc"), [][]any{{"Acme"}})
		var mErr *MappingError
		require.ErrorAs(t, err, &mErr)
		assert.Equal(t, -1, mErr.Row)
	})

	t.Run("duplicate column fails the page", func(t *testing.T) {
		_, err := CustomerColumns.MapRows(cols("khbh", "khbh"), [][]any{{"a", "b"}})
		assert.Error(t, err)
	})

	t.Run("short rows and empty keys are skipped", func(t *testing.T) {
		res, err := CustomerColumns.MapRows(cols("khbh", "khmc"), [][]any{
			{"C1"},
			{"  ", "blank"},
			{"C2", "ok"},
		})
		require.NoError(t, err)
		require.Len(t, res.Records, 1)
		assert.Equal(t, "C2", res.Records[0].Key)
		require.Len(t, res.Skipped, 2)
		assert.Equal(t, 0, res.Skipped[0].Row)
		assert.Equal(t, 1, res.Skipped[1].Row)
	})
}

func TestToFields(t *testing.T) {
	registered := time.Date(2024, 5, 6, 7, 8, 9, 0, time.Local)
	fields := CustomerColumns.ToFields(model.Values{
		model.FieldERPCustomerCode: "C100",
		model.FieldName:            "Acme",
		model.FieldPriority:        int64(5),
		model.FieldTags:            []string{"b", "a"},
		model.FieldRegisteredAt:    registered,
		model.FieldGroupID:         "not mapped",
	})

	got := make(map[string]string, len(fields))
	for _, f := range fields {
		got[f.ID] = f.Val
	}
	assert.Equal(t, map[string]string{
		"khbh": "txt:C100",
		"khmc": "txt:Acme",
		"jb":   "txt:5",
		"bq":   "txt:a,b",
		"tjsj": "txt:2024-05-06 07:08:09",
	}, got)
}

func TestColumnMap_Fields(t *testing.T) {
	fields := CustomerColumns.Fields()
	assert.Contains(t, fields, model.FieldName)
	assert.NotContains(t, fields, MetaModifiedAt)
	assert.Len(t, fields, len(CustomerColumns.Columns)-1)

	col, ok := CustomerColumns.ColumnFor(model.FieldERPCustomerCode)
	assert.True(t, ok)
	assert.Equal(t, "khbh", col)
}
