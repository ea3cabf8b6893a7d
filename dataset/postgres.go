package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresFetcher reads both splits from Postgres tables holding the
// canonical columns.
type PostgresFetcher struct {
	pool       *pgxpool.Pool
	trainTable string
	evalTable  string
	features   []string
}

// NewPostgresFetcher connects a pool and verifies it with a ping. features
// lists the optional columns present in the tables; nil selects all of them.
func NewPostgresFetcher(ctx context.Context, dsn, trainTable, evalTable string, features []string) (*PostgresFetcher, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if features == nil {
		for _, f := range OptionalFeatures {
			features = append(features, f.Name)
		}
	}
	for _, f := range features {
		if !IsOptionalFeature(f) {
			pool.Close()
			return nil, fmt.Errorf("unknown feature column %q", f)
		}
	}

	return &PostgresFetcher{
		pool:       pool,
		trainTable: trainTable,
		evalTable:  evalTable,
		features:   features,
	}, nil
}

// Close releases the pool
func (f *PostgresFetcher) Close() {
	f.pool.Close()
}

// Fetch selects every row of both tables
func (f *PostgresFetcher) Fetch(ctx context.Context) (*Table, *Table, error) {
	train, err := f.fetchTable(ctx, f.trainTable)
	if err != nil {
		return nil, nil, err
	}
	if f.evalTable == "" {
		return train, &Table{Columns: train.Columns}, nil
	}
	eval, err := f.fetchTable(ctx, f.evalTable)
	if err != nil {
		return nil, nil, err
	}
	return train, eval, nil
}

func (f *PostgresFetcher) columns() []string {
	cols := []string{ColumnStoreID, ColumnProductID, ColumnDate, ColumnSaleAmount}
	return append(cols, f.features...)
}

// selectQuery renders the query for one table. Identifiers are quoted so
// configured names cannot inject SQL.
func (f *PostgresFetcher) selectQuery(table string) string {
	exprs := []string{
		pgx.Identifier{ColumnStoreID}.Sanitize() + "::text",
		pgx.Identifier{ColumnProductID}.Sanitize() + "::text",
		pgx.Identifier{ColumnDate}.Sanitize() + "::text",
		pgx.Identifier{ColumnSaleAmount}.Sanitize() + "::float8",
	}
	for _, name := range f.features {
		exprs = append(exprs, pgx.Identifier{name}.Sanitize()+"::float8")
	}
	return fmt.Sprintf("SELECT %s FROM %s",
		strings.Join(exprs, ", "),
		pgx.Identifier(strings.Split(table, ".")).Sanitize())
}

func (f *PostgresFetcher) fetchTable(ctx context.Context, table string) (*Table, error) {
	rows, err := f.pool.Query(ctx, f.selectQuery(table))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := &Table{Columns: f.columns()}
	featureCells := make([]sql.NullFloat64, len(f.features))
	for rows.Next() {
		var r Record
		var date sql.NullString
		dest := []any{&r.StoreID, &r.ProductID, &date, &r.SaleAmount}
		for i := range featureCells {
			featureCells[i] = sql.NullFloat64{}
			dest = append(dest, &featureCells[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		r.Date = date.String
		if len(f.features) > 0 {
			r.Features = make(map[string]sql.NullFloat64, len(f.features))
			for i, name := range f.features {
				r.Features[name] = featureCells[i]
			}
		}
		out.Records = append(out.Records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", table, err)
	}
	return out, nil
}
