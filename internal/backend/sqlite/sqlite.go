// Package sqlite is the embedded backend. Collections live in a SQLite
// database whose spatial functions are implemented in Go and registered on
// the modernc driver; intermediate structures are indexed TEMP tables.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
)

const (
	tempSchema = "temp"
	idBatch    = 500
)

type Backend struct {
	db *sql.DB
	d  expr.SQLite
}

var (
	_ backend.Backend    = (*Backend)(nil)
	_ backend.Structurer = (*Backend)(nil)
)

// Open opens the database at path, or a private in-memory database when
// path is empty. TEMP structures are per connection, so the pool is held
// at one connection.
func Open(path string) (*Backend, error) {
	if err := registerFunctions(); err != nil {
		return nil, fmt.Errorf("sqlite functions: %w", err)
	}
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", model.ErrUnavailable, dsn, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	return &Backend{db: db}, nil
}

func (b *Backend) DB() *sql.DB { return b.db }

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) Kind() model.BackendKind { return model.BackendSpatialite }

func (b *Backend) Dialect() expr.Dialect { return b.d }

func (b *Backend) StructureSchema() string { return tempSchema }

func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return nil
}

func (b *Backend) table(col catalog.Collection) (string, error) {
	t, err := b.d.QuoteIdent(col.Table)
	if err != nil {
		return "", err
	}
	if col.Schema == "" {
		return t, nil
	}
	s, err := b.d.QuoteIdent(col.Schema)
	if err != nil {
		return "", err
	}
	return s + "." + t, nil
}

// Estimate reads the row count ANALYZE left in sqlite_stat1 and falls back
// to an exact count.
func (b *Backend) Estimate(ctx context.Context, col catalog.Collection) (int64, bool, error) {
	var stat string
	err := b.db.QueryRowContext(ctx, `SELECT stat FROM sqlite_stat1 WHERE tbl = ? LIMIT 1`, col.Table).Scan(&stat)
	if err == nil {
		if f := strings.Fields(stat); len(f) > 0 {
			if n, perr := strconv.ParseInt(f[0], 10, 64); perr == nil {
				return n, false, nil
			}
		}
	}
	if ctx.Err() != nil {
		return 0, false, ctx.Err()
	}
	n, err := b.Count(ctx, col, "")
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (b *Backend) Features(ctx context.Context, col catalog.Collection, q backend.Query) ([]backend.Feature, error) {
	tbl, err := b.table(col)
	if err != nil {
		return nil, err
	}
	pk, err := b.d.QuoteIdent(col.PKColumn)
	if err != nil {
		return nil, err
	}
	geom, err := b.d.QuoteIdent(col.GeomColumn)
	if err != nil {
		return nil, err
	}
	base := fmt.Sprintf("SELECT CAST(%s AS TEXT), %s FROM %s", pk, geom, tbl)

	var out []backend.Feature
	scan := func(query string, args ...any) error {
		rows, err := b.db.QueryContext(ctx, query, args...)
		if err != nil {
			return b.classify(ctx, err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var raw any
			if err := rows.Scan(&id, &raw); err != nil {
				return err
			}
			if raw == nil {
				continue
			}
			g, err := geometry.Decode(raw)
			if err != nil {
				return fmt.Errorf("feature %s: %w", id, err)
			}
			if q.Bound != nil && !g.Bound().Intersects(*q.Bound) {
				continue
			}
			out = append(out, backend.Feature{ID: id, Geom: g})
		}
		return rows.Err()
	}

	if len(q.IDs) == 0 {
		if err := scan(base); err != nil {
			return nil, err
		}
		return out, nil
	}
	for start := 0; start < len(q.IDs); start += idBatch {
		end := min(start+idBatch, len(q.IDs))
		batch := q.IDs[start:end]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(batch)), ", ")
		if err := scan(fmt.Sprintf("%s WHERE CAST(%s AS TEXT) IN (%s)", base, pk, marks), args...); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) Count(ctx context.Context, col catalog.Collection, expression string) (int64, error) {
	tbl, err := b.table(col)
	if err != nil {
		return 0, err
	}
	query := "SELECT count(*) FROM " + tbl
	if strings.TrimSpace(expression) != "" {
		query += " WHERE (" + expression + ")"
	}
	var n int64
	if err := b.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, b.classify(ctx, err)
	}
	return n, nil
}

func (b *Backend) CreateStructure(ctx context.Context, spec backend.StructureSpec) (backend.StructureInfo, error) {
	info := backend.StructureInfo{Schema: tempSchema}
	name, err := b.d.QuoteIdent(spec.Name)
	if err != nil {
		return info, err
	}
	src, err := b.table(catalog.Collection{Schema: spec.Target.Schema, Table: spec.Target.Table})
	if err != nil {
		return info, err
	}
	pk, err := b.d.QuoteIdent(spec.Target.PKColumn)
	if err != nil {
		return info, err
	}
	idx, err := b.d.QuoteIdent(spec.Name + "_pk")
	if err != nil {
		return info, err
	}
	steps := []string{
		fmt.Sprintf("CREATE TEMP TABLE %s AS SELECT %s FROM %s WHERE (%s)", name, pk, src, spec.Where),
		fmt.Sprintf("CREATE INDEX %s ON %s (%s)", idx, name, pk),
	}
	for i, s := range steps {
		if _, err := b.db.ExecContext(ctx, s); err != nil {
			_ = b.DropStructure(context.WithoutCancel(ctx), spec.Name)
			return info, b.classify(ctx, err)
		}
		if i == 1 {
			info.Indexed = true
		}
	}
	if err := b.db.QueryRowContext(ctx, "SELECT count(*) FROM "+tempSchema+"."+name).Scan(&info.Rows); err != nil {
		_ = b.DropStructure(context.WithoutCancel(ctx), spec.Name)
		return info, b.classify(ctx, err)
	}
	return info, nil
}

func (b *Backend) DropStructure(ctx context.Context, name string) error {
	q, err := b.d.QuoteIdent(name)
	if err != nil {
		return err
	}
	if _, err := b.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+tempSchema+"."+q); err != nil {
		return fmt.Errorf("%w: drop %s: %v", model.ErrCleanup, name, err)
	}
	return nil
}

func (b *Backend) ListStructures(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name FROM sqlite_temp_master WHERE type = 'table'`)
	if err != nil {
		return nil, b.classify(ctx, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, rows.Err()
}

// classify maps driver errors onto the engine taxonomy. The database is
// local, so anything that is not a cancellation or a closed handle is the
// statement's fault.
func (b *Backend) classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn), strings.Contains(err.Error(), "database is closed"):
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", model.ErrExpression, err)
}
