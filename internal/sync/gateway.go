package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"erp-sync-service/internal/erp"
	"erp-sync-service/internal/logger"
	"erp-sync-service/internal/mapper"
	"erp-sync-service/internal/model"
)

// Fetch is the result of reading the ERP customer list.
type Fetch struct {
	Records []model.Record
	Skipped []*mapper.MappingError
}

// Complete reports whether every page and row was mapped. Only a complete
// fetch may turn missing records into deletes.
func (f Fetch) Complete() bool {
	return len(f.Skipped) == 0
}

// Gateway is the ERP side of the sync.
type Gateway interface {
	FetchCustomers(ctx context.Context) (Fetch, error)
	// SaveCustomer creates (empty code) or updates a customer and returns its
	// ERP code.
	SaveCustomer(ctx context.Context, code string, values model.Values) (string, error)
	DeleteCustomer(ctx context.Context, code string) error
}

// ERPGateway implements Gateway on the ERP web API.
type ERPGateway struct {
	client   *erp.Client
	columns  mapper.ColumnMap
	listPath string
	savePath string
	log      *zap.Logger
}

func NewERPGateway(client *erp.Client, columns mapper.ColumnMap, listPath, savePath string) *ERPGateway {
	return &ERPGateway{
		client:   client,
		columns:  columns,
		listPath: listPath,
		savePath: savePath,
		log:      logger.Log.Named("gateway"),
	}
}

func (g *ERPGateway) FetchCustomers(ctx context.Context) (Fetch, error) {
	var (
		fetch  Fetch
		layout []string
		page   int
	)
	err := g.client.List(ctx, g.listPath, nil, func(t *erp.Table) error {
		page++
		ids := make([]string, len(t.Cols))
		for i, c := range t.Cols {
			ids[i] = c.ID
		}
		if layout == nil {
			layout = ids
		} else if !slices.Equal(layout, ids) {
			g.skipPage(&fetch, page, len(t.Rows), &mapper.MappingError{Row: -1, Reason: "column layout differs from first page"})
			return nil
		}

		res, err := g.columns.MapRows(t.Cols, t.Rows)
		var merr *mapper.MappingError
		if errors.As(err, &merr) {
			g.skipPage(&fetch, page, len(t.Rows), merr)
			return nil
		}
		if err != nil {
			return err
		}

		for _, skipped := range res.Skipped {
			g.log.Warn("Skipping ERP row", zap.Int("page", page), zap.Error(skipped))
		}
		for _, rec := range res.Records {
			if len(rec.Warnings) > 0 {
				g.log.Warn("ERP row parsed with warnings", zap.String("key", rec.Key), zap.Strings("warnings", rec.Warnings))
			}
		}
		fetch.Records = append(fetch.Records, res.Records...)
		fetch.Skipped = append(fetch.Skipped, res.Skipped...)
		return nil
	})
	if err != nil {
		return Fetch{}, err
	}
	g.log.Debug("ERP customer list read",
		zap.Int("pages", page),
		zap.Int("page_size", g.client.PageSize()),
		zap.Int("records", len(fetch.Records)),
		zap.Int("skipped", len(fetch.Skipped)),
	)
	return fetch, nil
}

func (g *ERPGateway) skipPage(fetch *Fetch, page, rows int, merr *mapper.MappingError) {
	g.log.Warn("Skipping ERP page", zap.Int("page", page), zap.Int("rows", rows), zap.Error(merr))
	fetch.Skipped = append(fetch.Skipped, &mapper.MappingError{
		Row:    -1,
		Reason: fmt.Sprintf("page %d: %s", page, merr.Reason),
	})
}

func (g *ERPGateway) SaveCustomer(ctx context.Context, code string, values model.Values) (string, error) {
	v := values.Clone()
	v[g.columns.Key] = code
	resp, err := g.client.Call(ctx, g.savePath, erp.CmdSave, g.columns.ToFields(v))
	if err != nil {
		return "", err
	}
	if id := resp.Body.Source.ID; id != "" {
		return id, nil
	}
	return code, nil
}

func (g *ERPGateway) DeleteCustomer(ctx context.Context, code string) error {
	col, ok := g.columns.ColumnFor(g.columns.Key)
	if !ok {
		return fmt.Errorf("no column mapped to %s", g.columns.Key)
	}
	_, err := g.client.Call(ctx, g.savePath, erp.CmdDelete, []erp.Field{erp.Text(col, code)})
	return err
}
