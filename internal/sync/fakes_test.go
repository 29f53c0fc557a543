package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"erp-sync-service/internal/config"
	"erp-sync-service/internal/mapper"
	"erp-sync-service/internal/model"
	"erp-sync-service/internal/store"
)

type saveCall struct {
	Code   string
	Values model.Values
}

type fakeGateway struct {
	mu       sync.Mutex
	fetch    Fetch
	fetchErr error
	saveErr  map[string]error
	saves    []saveCall
	deletes  []string
	seq      int
	noCode   bool
}

func newFakeGateway(records ...model.Record) *fakeGateway {
	return &fakeGateway{fetch: Fetch{Records: records}, saveErr: make(map[string]error)}
}

func (g *fakeGateway) setFetch(f Fetch) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetch = f
}

func (g *fakeGateway) FetchCustomers(ctx context.Context) (Fetch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fetchErr != nil {
		return Fetch{}, g.fetchErr
	}
	return g.fetch, nil
}

func (g *fakeGateway) SaveCustomer(ctx context.Context, code string, values model.Values) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.saveErr[code]; err != nil {
		return "", err
	}
	g.saves = append(g.saves, saveCall{Code: code, Values: values.Clone()})
	if code == "" {
		if g.noCode {
			return "", nil
		}
		g.seq++
		code = fmt.Sprintf("N%03d", g.seq)
	}
	return code, nil
}

func (g *fakeGateway) DeleteCustomer(ctx context.Context, code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes = append(g.deletes, code)
	return nil
}

func (g *fakeGateway) savesMade() []saveCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]saveCall(nil), g.saves...)
}

// memCustomers is an in-memory CustomerStore.
type memCustomers struct {
	mu      sync.Mutex
	byID    map[string]*model.Customer
	upserts []model.Values
}

func newMemCustomers() *memCustomers {
	return &memCustomers{byID: make(map[string]*model.Customer)}
}

func (m *memCustomers) now() time.Time {
	return time.Now().UTC()
}

func (m *memCustomers) insert(c *model.Customer) *model.Customer {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = m.now()
	m.byID[c.ID] = c
	cp := *c
	return &cp
}

func (m *memCustomers) Get(ctx context.Context, id string) (*model.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memCustomers) findLocked(code string, tombstones bool) *model.Customer {
	for _, c := range m.byID {
		if c.ERPCustomerCode == code && (tombstones || !c.Deleted()) {
			return c
		}
	}
	return nil
}

func (m *memCustomers) GetByERPCode(ctx context.Context, code string) (*model.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.findLocked(code, false)
	if c == nil {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memCustomers) UpsertByERPCode(ctx context.Context, code string, values model.Values) (*model.Customer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts = append(m.upserts, values.Clone())

	c := m.findLocked(code, true)
	created := c == nil
	if created {
		c = model.NewCustomer()
		c.ERPCustomerCode = code
		m.byID[c.ID] = c
	}
	c.DeletedAt = nil
	if err := c.Apply(values); err != nil {
		return nil, false, err
	}
	c.UpdatedAt = m.now()
	cp := *c
	return &cp, created, nil
}

func (m *memCustomers) UpdateFields(ctx context.Context, id string, values model.Values) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if err := c.Apply(values); err != nil {
		return err
	}
	c.UpdatedAt = m.now()
	return nil
}

func (m *memCustomers) SoftDeleteByERPCode(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.findLocked(code, false)
	if c == nil {
		return nil
	}
	now := m.now()
	c.DeletedAt = &now
	c.UpdatedAt = now
	return nil
}

func (m *memCustomers) ListChangedSince(ctx context.Context, since time.Time) ([]*model.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Customer
	for _, c := range m.byID {
		if !c.UpdatedAt.Before(since) {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// remove drops the customer outright, leaving no tombstone.
func (m *memCustomers) remove(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.findLocked(code, true); c != nil {
		delete(m.byID, c.ID)
	}
}

func (m *memCustomers) lastUpsert() model.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.upserts) == 0 {
		return nil
	}
	return m.upserts[len(m.upserts)-1]
}

func newStateStore(t *testing.T) *store.SQLStore {
	t.Helper()
	st, err := store.New(context.Background(), config.StateStorage{
		Type:     config.StorageSQLite,
		FilePath: filepath.Join(t.TempDir(), "state.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type fixture struct {
	svc       *Service
	gateway   *fakeGateway
	customers *memCustomers
	store     *store.SQLStore
}

func newFixture(t *testing.T, opts Options, records ...model.Record) *fixture {
	t.Helper()
	f := &fixture{
		gateway:   newFakeGateway(records...),
		customers: newMemCustomers(),
		store:     newStateStore(t),
	}
	f.svc = NewService(f.gateway, f.customers, f.store, nil, mapper.CustomerColumns, opts)
	return f
}

func erpRecord(code, name string) model.Record {
	return model.Record{
		Key: code,
		Values: model.Values{
			model.FieldERPCustomerCode: code,
			model.FieldName:            name,
			model.FieldPriority:        int64(3),
		},
	}
}
