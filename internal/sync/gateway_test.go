package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erp-sync-service/internal/erp"
	"erp-sync-service/internal/erp/erptest"
	"erp-sync-service/internal/mapper"
	"erp-sync-service/internal/model"
)

var customerColumns = []erp.Column{
	{ID: "khbh", Title: "客户编号"},
	{ID: "khmc", Title: "客户名称"},
	{ID: "sj", Title: "手机"},
	{ID: "gsmc", Title: "公司名称"},
	{ID: "bz", Title: "备注"},
	{ID: "jb", Title: "级别"},
	{ID: "bq", Title: "标签"},
	{ID: "tjsj", Title: "添加时间"},
	{ID: "gxsj", Title: "更新时间"},
	{ID: "ywy", Title: "业务员"},
}

func newERP(t *testing.T) (*erptest.Server, *ERPGateway) {
	t.Helper()
	srv := erptest.NewServer("admin", "secret", "khbh", customerColumns)
	t.Cleanup(srv.Close)

	client, err := erp.NewClient(erp.Config{
		BaseURL:        srv.URL,
		Username:       "admin",
		Password:       "secret",
		Timeout:        2 * time.Second,
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
		PageSize:       2,
	})
	require.NoError(t, err)

	gw := NewERPGateway(client, mapper.CustomerColumns, erp.DefaultCustomerListPath, erp.DefaultCustomerSavePath)
	return srv, gw
}

func putCustomer(srv *erptest.Server, code, name string) {
	srv.Put(map[string]any{
		"khbh": code,
		"khmc": name,
		"jb":   "3",
		"bq":   "vip,north",
		"gxsj": "2024-03-01 10:00:00",
		"ywy":  "Li",
	})
}

func TestERPGateway_FetchCustomers(t *testing.T) {
	srv, gw := newERP(t)
	putCustomer(srv, "C100", "Acme")
	putCustomer(srv, "C200", "Beta")
	putCustomer(srv, "C300", "Gamma")

	fetch, err := gw.FetchCustomers(context.Background())
	require.NoError(t, err)
	assert.True(t, fetch.Complete())
	require.Len(t, fetch.Records, 3)

	acme := fetch.Records[0]
	assert.Equal(t, "C100", acme.Key)
	assert.Equal(t, "Acme", acme.Values[model.FieldName])
	assert.Equal(t, int64(3), acme.Values[model.FieldPriority])
	assert.Equal(t, []string{"north", "vip"}, acme.Values[model.FieldTags])
	assert.Equal(t, "Li", acme.Extra["ywy"])
	assert.False(t, acme.ModifiedAt.IsZero())
}

func TestERPGateway_SkipsPageWithDifferentLayout(t *testing.T) {
	srv, gw := newERP(t)
	putCustomer(srv, "C100", "Acme")
	putCustomer(srv, "C200", "Beta")
	putCustomer(srv, "C300", "Gamma")
	srv.SetPageColumns(2, customerColumns[:3])

	fetch, err := gw.FetchCustomers(context.Background())
	require.NoError(t, err)
	assert.False(t, fetch.Complete())
	require.Len(t, fetch.Skipped, 1)
	assert.Contains(t, fetch.Skipped[0].Error(), "page 2")
	assert.Len(t, fetch.Records, 2)
}

func TestERPGateway_SaveAndDelete(t *testing.T) {
	srv, gw := newERP(t)
	ctx := context.Background()

	code, err := gw.SaveCustomer(ctx, "", model.Values{
		model.FieldName:     "Delta",
		model.FieldPriority: int64(4),
	})
	require.NoError(t, err)
	assert.Equal(t, "N0001", code)

	row, ok := srv.Row(code)
	require.True(t, ok)
	assert.Equal(t, "Delta", row["khmc"])
	assert.Equal(t, "4", row["jb"])

	code, err = gw.SaveCustomer(ctx, "N0001", model.Values{model.FieldPhone: "555-0100"})
	require.NoError(t, err)
	assert.Equal(t, "N0001", code)
	row, _ = srv.Row(code)
	assert.Equal(t, "555-0100", row["sj"])
	assert.Equal(t, "Delta", row["khmc"])

	require.NoError(t, gw.DeleteCustomer(ctx, "N0001"))
	assert.Equal(t, []string{"N0001"}, srv.Deletes())
	_, ok = srv.Row("N0001")
	assert.False(t, ok)
}

func TestERPGateway_RejectedSave(t *testing.T) {
	srv, gw := newERP(t)
	srv.RejectSave("C100", "客户已锁定")

	_, err := gw.SaveCustomer(context.Background(), "C100", model.Values{model.FieldName: "Acme"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "客户已锁定")
}

func TestService_EndToEndWithERP(t *testing.T) {
	ctx := context.Background()
	srv, gw := newERP(t)
	putCustomer(srv, "C100", "Acme")

	customers := newMemCustomers()
	svc := NewService(gw, customers, newStateStore(t), nil, mapper.CustomerColumns, defaultOpts)

	sum, err := svc.RunPull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Created)

	putCustomer(srv, "C100", "Acme Corp")
	sum, err = svc.RunPull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, model.Values{model.FieldName: "Acme Corp"}, customers.lastUpsert())

	c, err := customers.GetByERPCode(ctx, "C100")
	require.NoError(t, err)
	require.NoError(t, customers.UpdateFields(ctx, c.ID, model.Values{model.FieldNotes: "prefers email"}))

	sum, err = svc.RunPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)

	saves := srv.Saves()
	require.Len(t, saves, 1)
	assert.Equal(t, "C100", saves[0]["khbh"])
	assert.Equal(t, "prefers email", saves[0]["bz"])
	assert.NotContains(t, saves[0], "khmc")

	sum, err = svc.RunPull(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Created+sum.Updated+sum.Deleted)
}
