// Package postgis is the relational backend: PostgreSQL with PostGIS,
// reached through a shared pool. Intermediate structures are UNLOGGED
// tables with a GiST index.
package postgis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/geofilter/internal/backend"
	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/expr"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
	"github.com/mohammed-shakir/geofilter/internal/resilience"
)

// Conn is the part of pgx the backend uses. *pgxpool.Conn satisfies it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Acquirer interface {
	Acquire(ctx context.Context) (Conn, func(), error)
}

type poolAcquirer struct{ p *resilience.PoolAcquirer }

func (a poolAcquirer) Acquire(ctx context.Context) (Conn, func(), error) {
	c, err := a.p.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Release, nil
}

// FromPool adapts a guarded pool.
func FromPool(p *resilience.PoolAcquirer) Acquirer { return poolAcquirer{p: p} }

var _ Conn = (*pgxpool.Conn)(nil)

type Backend struct {
	acq    Acquirer
	schema string // where structures are created
	d      expr.PostGIS
}

var (
	_ backend.Backend    = (*Backend)(nil)
	_ backend.Structurer = (*Backend)(nil)
)

func New(acq Acquirer, structureSchema string) *Backend {
	if structureSchema == "" {
		structureSchema = "public"
	}
	return &Backend{acq: acq, schema: structureSchema}
}

func (b *Backend) Kind() model.BackendKind { return model.BackendPostgres }

func (b *Backend) Dialect() expr.Dialect { return b.d }

func (b *Backend) StructureSchema() string { return b.schema }

func (b *Backend) with(ctx context.Context, fn func(Conn) error) error {
	c, release, err := b.acq.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(c)
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.with(ctx, func(c Conn) error {
		if _, err := c.Exec(ctx, "SELECT 1"); err != nil {
			return classify(ctx, err)
		}
		return nil
	})
}

func (b *Backend) qualified(schema, table string) (string, error) {
	t, err := b.d.QuoteIdent(table)
	if err != nil {
		return "", err
	}
	if schema == "" {
		return t, nil
	}
	s, err := b.d.QuoteIdent(schema)
	if err != nil {
		return "", err
	}
	return s + "." + t, nil
}

// Estimate reads pg_class.reltuples. Tables that were never analyzed
// report -1 and fall back to an exact count.
func (b *Backend) Estimate(ctx context.Context, col catalog.Collection) (int64, bool, error) {
	tbl, err := b.qualified(col.Schema, col.Table)
	if err != nil {
		return 0, false, err
	}
	var n int64
	var exact bool
	err = b.with(ctx, func(c Conn) error {
		err := c.QueryRow(ctx, `SELECT reltuples::bigint FROM pg_catalog.pg_class WHERE oid = to_regclass($1)`, tbl).Scan(&n)
		if err == nil && n >= 0 {
			return nil
		}
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return classify(ctx, err)
		}
		exact = true
		if err := c.QueryRow(ctx, "SELECT count(*) FROM "+tbl).Scan(&n); err != nil {
			return classify(ctx, err)
		}
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return n, exact, nil
}

func (b *Backend) Features(ctx context.Context, col catalog.Collection, q backend.Query) ([]backend.Feature, error) {
	tbl, err := b.qualified(col.Schema, col.Table)
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
	var (
		where []string
		args  []any
	)
	if len(q.IDs) > 0 {
		args = append(args, q.IDs)
		where = append(where, fmt.Sprintf("%s::text = ANY($%d)", pk, len(args)))
	}
	if q.Bound != nil {
		args = append(args, q.Bound.Min[0], q.Bound.Min[1], q.Bound.Max[0], q.Bound.Max[1])
		n := len(args)
		where = append(where, fmt.Sprintf("%s && ST_MakeEnvelope($%d, $%d, $%d, $%d, %d)", geom, n-3, n-2, n-1, n, col.SRID))
	}
	query := fmt.Sprintf("SELECT %s::text, ST_AsBinary(%s) FROM %s", pk, geom, tbl)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var out []backend.Feature
	err = b.with(ctx, func(c Conn) error {
		rows, err := c.Query(ctx, query, args...)
		if err != nil {
			return classify(ctx, err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			var wkb []byte
			if err := rows.Scan(&id, &wkb); err != nil {
				return classify(ctx, err)
			}
			if len(wkb) == 0 {
				continue
			}
			g, err := geometry.DecodeBytes(wkb)
			if err != nil {
				return fmt.Errorf("feature %s: %w", id, err)
			}
			out = append(out, backend.Feature{ID: id, Geom: g})
		}
		if err := rows.Err(); err != nil {
			return classify(ctx, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (b *Backend) Count(ctx context.Context, col catalog.Collection, expression string) (int64, error) {
	tbl, err := b.qualified(col.Schema, col.Table)
	if err != nil {
		return 0, err
	}
	query := "SELECT count(*) FROM " + tbl
	if strings.TrimSpace(expression) != "" {
		query += " WHERE (" + expression + ")"
	}
	var n int64
	err = b.with(ctx, func(c Conn) error {
		if err := c.QueryRow(ctx, query).Scan(&n); err != nil {
			return classify(ctx, err)
		}
		return nil
	})
	return n, err
}

// CreateStructure materializes the target keys and geometries matching
// spec.Where, indexes and analyzes them and clusters on the spatial index
// while the row count stays within spec.ClusterMaxRows. A failed step
// drops whatever was created.
func (b *Backend) CreateStructure(ctx context.Context, spec backend.StructureSpec) (backend.StructureInfo, error) {
	info := backend.StructureInfo{Schema: b.schema, Durable: !spec.NonDurable}
	name, err := b.qualified(b.schema, spec.Name)
	if err != nil {
		return info, err
	}
	src, err := b.qualified(spec.Target.Schema, spec.Target.Table)
	if err != nil {
		return info, err
	}
	pk, err := b.d.QuoteIdent(spec.Target.PKColumn)
	if err != nil {
		return info, err
	}
	geom, err := b.d.QuoteIdent(spec.Target.GeomColumn)
	if err != nil {
		return info, err
	}
	gistIdx, _ := b.d.QuoteIdent(spec.Name + "_geom")
	pkIdx, _ := b.d.QuoteIdent(spec.Name + "_pk")

	kind := "TABLE"
	if spec.NonDurable {
		kind = "UNLOGGED TABLE"
	}

	err = b.with(ctx, func(c Conn) error {
		steps := []string{
			fmt.Sprintf("CREATE %s %s AS SELECT %s, %s FROM %s WHERE (%s)", kind, name, pk, geom, src, spec.Where),
			fmt.Sprintf("CREATE INDEX %s ON %s USING GIST (%s)", gistIdx, name, geom),
			fmt.Sprintf("CREATE INDEX %s ON %s (%s)", pkIdx, name, pk),
			"ANALYZE " + name,
		}
		for i, s := range steps {
			if _, err := c.Exec(ctx, s); err != nil {
				return classify(ctx, err)
			}
			if i == 2 {
				info.Indexed = true
			}
		}
		err := c.QueryRow(ctx, `SELECT reltuples::bigint FROM pg_catalog.pg_class WHERE oid = to_regclass($1)`, name).Scan(&info.Rows)
		if err != nil {
			return classify(ctx, err)
		}
		if spec.ClusterMaxRows > 0 && info.Rows <= spec.ClusterMaxRows {
			if _, err := c.Exec(ctx, fmt.Sprintf("CLUSTER %s USING %s", name, gistIdx)); err != nil {
				return classify(ctx, err)
			}
			info.Clustered = true
		}
		return nil
	})
	if err != nil {
		_ = b.DropStructure(context.WithoutCancel(ctx), spec.Name)
		return info, err
	}
	return info, nil
}

func (b *Backend) DropStructure(ctx context.Context, name string) error {
	q, err := b.qualified(b.schema, name)
	if err != nil {
		return err
	}
	err = b.with(ctx, func(c Conn) error {
		_, err := c.Exec(ctx, "DROP TABLE IF EXISTS "+q)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: drop %s: %v", model.ErrCleanup, name, err)
	}
	return nil
}

func (b *Backend) ListStructures(ctx context.Context, prefix string) ([]string, error) {
	like := strings.NewReplacer(`\`, `\\`, "_", `\_`, "%", `\%`).Replace(prefix) + "%"
	var out []string
	err := b.with(ctx, func(c Conn) error {
		rows, err := c.Query(ctx,
			`SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = $1 AND tablename LIKE $2 ESCAPE '\'`,
			b.schema, like)
		if err != nil {
			return classify(ctx, err)
		}
		defer rows.Close()
		for rows.Next() {
			var name string
			if err := rows.Scan(&name); err != nil {
				return err
			}
			out = append(out, name)
		}
		return rows.Err()
	})
	sort.Strings(out)
	return out, err
}

// classify maps server and transport errors onto the engine taxonomy.
// SQLSTATE classes 08 (connection), 53 (resources) and 57 (operator
// intervention, including statement timeouts) mean the backend is not
// serving; any other server error rejects the statement.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, model.ErrUnavailable) || errors.Is(err, model.ErrExpression) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57"):
			return fmt.Errorf("%w: %s (%s)", model.ErrUnavailable, pgErr.Message, pgErr.Code)
		}
		return fmt.Errorf("%w: %s (%s)", model.ErrExpression, pgErr.Message, pgErr.Code)
	}
	return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
}
