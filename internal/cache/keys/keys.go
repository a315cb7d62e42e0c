package keys

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Geometry keys the prepared-geometry cache: the input feature texts in
// order, the kept precision and the signed buffer.
func Geometry(source string, srid, precision int, buffer float64, inputs []string) string {
	d := xxhash.New()
	_, _ = d.WriteString(strconv.Itoa(srid))
	_, _ = d.WriteString(";")
	_, _ = d.WriteString(strconv.Itoa(precision))
	_, _ = d.WriteString(";")
	_, _ = d.WriteString(fmtFloat(buffer))
	for _, in := range inputs {
		_, _ = d.WriteString("\x1f")
		_, _ = d.WriteString(in)
	}
	return fmt.Sprintf("geom:%s:%d:f=%016x", sanitize(source), srid, d.Sum64())
}

// ExpressionInput is everything a built expression depends on.
type ExpressionInput struct {
	Target       string
	Backend      string
	Predicates   []string
	PredicateOp  string
	Combine      string
	Buffer       float64
	Distance     float64
	GeometryHash uint64
	Strategy     string
	Existing     string
}

func Expression(in ExpressionInput) string {
	preds := append([]string(nil), in.Predicates...)
	sort.Strings(preds)
	preds = dedupe(preds)

	var b strings.Builder
	b.WriteString(in.Backend)
	b.WriteByte(';')
	b.WriteString(strings.Join(preds, ","))
	b.WriteByte(';')
	b.WriteString(strings.ToUpper(in.PredicateOp))
	b.WriteByte(';')
	b.WriteString(strings.ToUpper(in.Combine))
	b.WriteByte(';')
	b.WriteString(fmtFloat(in.Buffer))
	b.WriteByte(';')
	b.WriteString(fmtFloat(in.Distance))
	b.WriteByte(';')
	b.WriteString(strconv.FormatUint(in.GeometryHash, 16))
	b.WriteByte(';')
	b.WriteString(in.Strategy)
	b.WriteByte(';')
	b.WriteString(NormalizeExpression(in.Existing))

	return fmt.Sprintf("expr:%s:%s:f=%016x", sanitize(in.Target), sanitize(in.Backend), xxhash.Sum64String(b.String()))
}

// ExpressionHash identifies an applied expression inside structure keys.
func ExpressionHash(expr string) uint64 {
	return xxhash.Sum64String(NormalizeExpression(expr))
}

func Structure(collection string, exprHash uint64) string {
	return fmt.Sprintf("struct:%s:f=%016x", sanitize(collection), exprHash)
}

// StructurePrefix matches every structure key of collection.
func StructurePrefix(collection string) string {
	return "struct:" + sanitize(collection) + ":"
}

// NormalizeExpression collapses whitespace runs outside quoted text so
// formatting variants of the same filter share a key.
func NormalizeExpression(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var quote rune
	wasWS := false
	for _, r := range s {
		if quote != 0 {
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		if isSpace(r) {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		wasWS = false
		if r == '\'' || r == '"' {
			quote = r
		}
		b.WriteRune(r)
	}
	return b.String()
}

func fmtFloat(f float64) string {
	if f == 0 || math.IsNaN(f) {
		return "0"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func dedupe(s []string) []string {
	out := s[:0]
	for i, v := range s {
		if i > 0 && v == s[i-1] {
			continue
		}
		out = append(out, v)
	}
	return out
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

// sanitize keeps collection ids readable inside keys; the hash suffix is
// what makes a key unique.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case isSpace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			// Any other rune (including non-ASCII and ':') becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	const maxLen = 96
	if b.Len() > maxLen {
		return b.String()[:maxLen]
	}
	return b.String()
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
