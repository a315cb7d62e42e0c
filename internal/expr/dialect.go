// Package expr builds backend-specific boolean filter expressions from a
// predicate set and merges them with the filter already on a collection.
package expr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

var ErrUnsupported = errors.New("not supported by dialect")

// Target names the columns of the collection being filtered.
type Target struct {
	Schema     string
	Table      string
	GeomColumn string
	PKColumn   string
	SRID       int
}

// Source describes the source collection for an existence subquery.
type Source struct {
	Schema     string
	Table      string
	GeomColumn string
	PKColumn   string
	IDs        []string
	Buffer     float64
}

type Dialect interface {
	Name() string
	QuoteIdent(s string) (string, error)
	QuoteLiteral(s string) (string, error)
	// Column references a column of t, table-qualified when qualified is set.
	Column(t Target, col string, qualified bool) (string, error)
	Geometry(pg *model.PreparedGeometry, targetSRID int) (string, error)
	Relation(p model.Predicate, left, right string, distance float64) string
	And(a, b string) string
	Or(a, b string) string
	Not(a string) string
	InList(col string, ids []string) (string, error)
	False() string
	Validate(expr string) error
	// Exists returns an existence check of the target geometry against the
	// selected source features, or all of them when src.IDs is empty,
	// relating each source row with rel.
	Exists(t Target, src Source, rel func(left, right string) string) (string, error)
	// InStructure restricts the target to the keys stored in a structure.
	InStructure(t Target, schema, name string) (string, error)

	lex() lexer
	sourceAlias() string
}

func ForBackend(k model.BackendKind) (Dialect, error) {
	switch k {
	case model.BackendPostgres:
		return PostGIS{}, nil
	case model.BackendSpatialite:
		return SQLite{}, nil
	case model.BackendOGR, model.BackendMemory:
		return CEL{}, nil
	}
	return nil, fmt.Errorf("%w: no dialect for backend %q", model.ErrInput, k)
}

func checkText(s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: NUL byte", model.ErrExpression)
	}
	return nil
}

func sqlQuoteIdent(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: empty identifier", model.ErrExpression)
	}
	if err := checkText(s); err != nil {
		return "", err
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`, nil
}

func sqlQuoteLiteral(s string) (string, error) {
	if err := checkText(s); err != nil {
		return "", err
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
}

func sqlQualified(schema, table string) (string, error) {
	t, err := sqlQuoteIdent(table)
	if err != nil {
		return "", err
	}
	if schema == "" {
		return t, nil
	}
	s, err := sqlQuoteIdent(schema)
	if err != nil {
		return "", err
	}
	return s + "." + t, nil
}

func sqlColumn(t Target, col string, qualified bool) (string, error) {
	c, err := sqlQuoteIdent(col)
	if err != nil {
		return "", err
	}
	if !qualified {
		return c, nil
	}
	tbl, err := sqlQualified(t.Schema, t.Table)
	if err != nil {
		return "", err
	}
	return tbl + "." + c, nil
}

func sqlInList(col string, ids []string, falseExpr string) (string, error) {
	if len(ids) == 0 {
		return falseExpr, nil
	}
	var b strings.Builder
	b.WriteString(col)
	b.WriteString(" IN (")
	for i, id := range ids {
		lit, err := sqlQuoteLiteral(id)
		if err != nil {
			return "", err
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(lit)
	}
	b.WriteString(")")
	return b.String(), nil
}

func sqlExists(d Dialect, t Target, src Source, rel func(left, right string) string, bufferFn func(col string, d float64) string) (string, error) {
	tbl, err := sqlQualified(src.Schema, src.Table)
	if err != nil {
		return "", err
	}
	alias := d.sourceAlias()
	pk, err := sqlQuoteIdent(src.PKColumn)
	if err != nil {
		return "", err
	}
	geom, err := sqlQuoteIdent(src.GeomColumn)
	if err != nil {
		return "", err
	}
	left, err := d.Column(t, t.GeomColumn, true)
	if err != nil {
		return "", err
	}
	right := alias + "." + geom
	if src.Buffer != 0 {
		right = bufferFn(right, src.Buffer)
	}
	cond := rel(left, right)
	// no selected ids means every source row
	if len(src.IDs) > 0 {
		in, err := sqlInList(alias+"."+pk, src.IDs, d.False())
		if err != nil {
			return "", err
		}
		cond = in + " AND " + cond
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS %s WHERE %s)", tbl, alias, cond), nil
}

func sqlInStructure(t Target, schema, name string) (string, error) {
	pk, err := sqlQuoteIdent(t.PKColumn)
	if err != nil {
		return "", err
	}
	tbl, err := sqlQualified(schema, name)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s IN (SELECT %s FROM %s)", pk, pk, tbl), nil
}

func wrap(s string) string {
	return "(" + s + ")"
}
