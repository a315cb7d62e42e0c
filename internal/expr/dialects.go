package expr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/geometry"
)

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// reprojectWKT covers the one CRS pair handled without a spatial engine.
func reprojectWKT(pg *model.PreparedGeometry, target int) (string, error) {
	if target <= 0 || pg.SRID <= 0 || target == pg.SRID {
		return pg.WKT, nil
	}
	g := pg.Geom
	if g == nil {
		var err error
		if g, err = wkt.Unmarshal(pg.WKT); err != nil {
			return "", fmt.Errorf("%w: %v", model.ErrGeometry, err)
		}
	}
	g, err := geometry.Reproject(g, pg.SRID, target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupported, err)
	}
	return wkt.MarshalString(g), nil
}

// PostGIS emits SQL for PostgreSQL with the PostGIS extension.
type PostGIS struct{}

func (PostGIS) Name() string                          { return "postgis" }
func (PostGIS) QuoteIdent(s string) (string, error)   { return sqlQuoteIdent(s) }
func (PostGIS) QuoteLiteral(s string) (string, error) { return sqlQuoteLiteral(s) }
func (PostGIS) False() string                         { return "FALSE" }
func (PostGIS) And(a, b string) string                { return wrap(a) + " AND " + wrap(b) }
func (PostGIS) Or(a, b string) string                 { return wrap(a) + " OR " + wrap(b) }
func (PostGIS) Not(a string) string                   { return "NOT " + wrap(a) }
func (PostGIS) Validate(e string) error               { return sqlLexer.validate(e) }
func (PostGIS) lex() lexer                            { return sqlLexer }
func (PostGIS) sourceAlias() string                   { return "__source" }
func (PostGIS) InList(col string, ids []string) (string, error) {
	return sqlInList(col, ids, "FALSE")
}

func (PostGIS) Column(t Target, col string, qualified bool) (string, error) {
	return sqlColumn(t, col, qualified)
}

func (PostGIS) Geometry(pg *model.PreparedGeometry, targetSRID int) (string, error) {
	lit, err := sqlQuoteLiteral(pg.WKT)
	if err != nil {
		return "", err
	}
	g := fmt.Sprintf("ST_GeomFromText(%s, %d)", lit, pg.SRID)
	if pg.Overlapping {
		g = "ST_UnaryUnion(" + g + ")"
	}
	if targetSRID > 0 && pg.SRID > 0 && targetSRID != pg.SRID {
		g = fmt.Sprintf("ST_Transform(%s, %d)", g, targetSRID)
	}
	return g, nil
}

var postgisFuncs = map[model.Predicate]string{
	model.PredIntersects: "ST_Intersects",
	model.PredContains:   "ST_Contains",
	model.PredWithin:     "ST_Within",
	model.PredTouches:    "ST_Touches",
	model.PredOverlaps:   "ST_Overlaps",
	model.PredCrosses:    "ST_Crosses",
	model.PredEquals:     "ST_Equals",
}

func (PostGIS) Relation(p model.Predicate, left, right string, distance float64) string {
	switch p {
	case model.PredDisjoint:
		// the negated form can still use the spatial index on the positive test
		return fmt.Sprintf("NOT ST_Intersects(%s, %s)", left, right)
	case model.PredDWithin:
		return fmt.Sprintf("ST_DWithin(%s, %s, %s)", left, right, fmtFloat(distance))
	}
	return fmt.Sprintf("%s(%s, %s)", postgisFuncs[p], left, right)
}

func (d PostGIS) Exists(t Target, src Source, rel func(left, right string) string) (string, error) {
	return sqlExists(d, t, src, rel, func(col string, dist float64) string {
		return fmt.Sprintf("ST_Buffer(%s, %s)", col, fmtFloat(dist))
	})
}

func (PostGIS) InStructure(t Target, schema, name string) (string, error) {
	return sqlInStructure(t, schema, name)
}

// SQLite emits SQL for the embedded backend, whose ST_* functions are
// registered by the backend on the driver.
type SQLite struct{}

func (SQLite) Name() string                          { return "sqlite" }
func (SQLite) QuoteIdent(s string) (string, error)   { return sqlQuoteIdent(s) }
func (SQLite) QuoteLiteral(s string) (string, error) { return sqlQuoteLiteral(s) }
func (SQLite) False() string                         { return "0" }
func (SQLite) And(a, b string) string                { return wrap(a) + " AND " + wrap(b) }
func (SQLite) Or(a, b string) string                 { return wrap(a) + " OR " + wrap(b) }
func (SQLite) Not(a string) string                   { return "NOT " + wrap(a) }
func (SQLite) Validate(e string) error               { return sqlLexer.validate(e) }
func (SQLite) lex() lexer                            { return sqlLexer }
func (SQLite) sourceAlias() string                   { return "__source" }
func (SQLite) InList(col string, ids []string) (string, error) {
	return sqlInList(col, ids, "0")
}

func (SQLite) Column(t Target, col string, qualified bool) (string, error) {
	return sqlColumn(t, col, qualified)
}

func (SQLite) Geometry(pg *model.PreparedGeometry, targetSRID int) (string, error) {
	text, err := reprojectWKT(pg, targetSRID)
	if err != nil {
		return "", err
	}
	lit, err := sqlQuoteLiteral(text)
	if err != nil {
		return "", err
	}
	srid := pg.SRID
	if targetSRID > 0 {
		srid = targetSRID
	}
	return fmt.Sprintf("GeomFromText(%s, %d)", lit, srid), nil
}

func (SQLite) Relation(p model.Predicate, left, right string, distance float64) string {
	switch p {
	case model.PredDisjoint:
		return fmt.Sprintf("NOT ST_Intersects(%s, %s)", left, right)
	case model.PredDWithin:
		return fmt.Sprintf("PtDistWithin(%s, %s, %s)", left, right, fmtFloat(distance))
	}
	return fmt.Sprintf("%s(%s, %s)", postgisFuncs[p], left, right)
}

func (d SQLite) Exists(t Target, src Source, rel func(left, right string) string) (string, error) {
	return sqlExists(d, t, src, rel, func(col string, dist float64) string {
		return fmt.Sprintf("ST_Buffer(%s, %s)", col, fmtFloat(dist))
	})
}

func (SQLite) InStructure(t Target, schema, name string) (string, error) {
	return sqlInStructure(t, schema, name)
}

// CEL emits expressions for the in-memory evaluator. Features expose geom,
// fid and attrs.
type CEL struct{}

const (
	CELGeom  = "geom"
	CELFID   = "fid"
	CELAttrs = "attrs"
)

var celEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

func (CEL) Name() string           { return "cel" }
func (CEL) False() string          { return "false" }
func (CEL) And(a, b string) string { return wrap(a) + " && " + wrap(b) }
func (CEL) Or(a, b string) string  { return wrap(a) + " || " + wrap(b) }
func (CEL) Not(a string) string    { return "!" + wrap(a) }
func (CEL) Validate(e string) error {
	return celLexer.validate(e)
}
func (CEL) lex() lexer          { return celLexer }
func (CEL) sourceAlias() string { return "__source" }

func (CEL) QuoteLiteral(s string) (string, error) {
	if err := checkText(s); err != nil {
		return "", err
	}
	return `"` + celEscaper.Replace(s) + `"`, nil
}

func (c CEL) QuoteIdent(s string) (string, error) {
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("%w: empty identifier", model.ErrExpression)
	}
	lit, err := c.QuoteLiteral(s)
	if err != nil {
		return "", err
	}
	return CELAttrs + "[" + lit + "]", nil
}

func (c CEL) Column(t Target, col string, _ bool) (string, error) {
	switch {
	case col == t.GeomColumn || col == "":
		return CELGeom, nil
	case col == t.PKColumn:
		return CELFID, nil
	}
	return c.QuoteIdent(col)
}

func (c CEL) Geometry(pg *model.PreparedGeometry, targetSRID int) (string, error) {
	text, err := reprojectWKT(pg, targetSRID)
	if err != nil {
		return "", err
	}
	return c.QuoteLiteral(text)
}

func (CEL) Relation(p model.Predicate, left, right string, distance float64) string {
	switch p {
	case model.PredDisjoint:
		return fmt.Sprintf("!intersects(%s, %s)", left, right)
	case model.PredDWithin:
		return fmt.Sprintf("dwithin(%s, %s, %s)", left, right, fmtFloatCEL(distance))
	}
	return fmt.Sprintf("%s(%s, %s)", string(p), left, right)
}

// fmtFloatCEL always yields a double literal.
func fmtFloatCEL(f float64) string {
	s := fmtFloat(f)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}

func (c CEL) InList(col string, ids []string) (string, error) {
	if len(ids) == 0 {
		return c.False(), nil
	}
	lits := make([]string, len(ids))
	for i, id := range ids {
		l, err := c.QuoteLiteral(id)
		if err != nil {
			return "", err
		}
		lits[i] = l
	}
	return col + " in [" + strings.Join(lits, ", ") + "]", nil
}

func (CEL) Exists(Target, Source, func(string, string) string) (string, error) {
	return "", fmt.Errorf("%w: existence subquery", ErrUnsupported)
}

func (CEL) InStructure(Target, string, string) (string, error) {
	return "", fmt.Errorf("%w: intermediate structures", ErrUnsupported)
}
