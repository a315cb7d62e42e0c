package expr

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

// lexer describes how literals and comments look in one expression language.
type lexer struct {
	quotes      string // characters opening a string or quoted identifier
	backslash   bool   // backslash escapes inside quotes (otherwise doubling)
	lineComment string
	andWord     string // keyword form of conjunction ("AND")
	andSymbol   string // symbol form of conjunction ("&&")
}

var (
	sqlLexer = lexer{quotes: `'"`, lineComment: "--", andWord: "AND"}
	celLexer = lexer{quotes: `'"`, backslash: true, lineComment: "//", andSymbol: "&&"}
)

// segments walks s and reports each run of text that is outside quotes.
// Quoted runs are passed with quoted=true, including their delimiters.
func (lx lexer) segments(s string, fn func(start int, text string, quoted bool) bool) error {
	i, start := 0, 0
	for i < len(s) {
		c := s[i]
		if !strings.ContainsRune(lx.quotes, rune(c)) {
			i++
			continue
		}
		if i > start && !fn(start, s[start:i], false) {
			return nil
		}
		q := c
		j := i + 1
		closed := false
		for j < len(s) {
			if lx.backslash && s[j] == '\\' {
				j += 2
				continue
			}
			if s[j] == q {
				if !lx.backslash && j+1 < len(s) && s[j+1] == q {
					j += 2
					continue
				}
				closed = true
				break
			}
			j++
		}
		if !closed {
			return fmt.Errorf("%w: unterminated quote at offset %d", model.ErrExpression, i)
		}
		if !fn(i, s[i:j+1], true) {
			return nil
		}
		i = j + 1
		start = i
	}
	if start < len(s) {
		fn(start, s[start:], false)
	}
	return nil
}

// validate rejects statement separators, comments, NUL bytes and
// unbalanced parentheses outside quoted text.
func (lx lexer) validate(s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%w: NUL byte in expression", model.ErrExpression)
	}
	depth := 0
	var bad error
	err := lx.segments(s, func(start int, text string, quoted bool) bool {
		if quoted {
			return true
		}
		switch {
		case strings.Contains(text, ";"):
			bad = fmt.Errorf("%w: statement separator outside a literal", model.ErrExpression)
		case strings.Contains(text, lx.lineComment):
			bad = fmt.Errorf("%w: comment outside a literal", model.ErrExpression)
		case strings.Contains(text, "/*"):
			bad = fmt.Errorf("%w: block comment outside a literal", model.ErrExpression)
		}
		if bad != nil {
			return false
		}
		for _, r := range text {
			switch r {
			case '(', '[':
				depth++
			case ')', ']':
				depth--
				if depth < 0 {
					bad = fmt.Errorf("%w: unbalanced parentheses", model.ErrExpression)
					return false
				}
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if bad != nil {
		return bad
	}
	if depth != 0 {
		return fmt.Errorf("%w: unbalanced parentheses", model.ErrExpression)
	}
	return nil
}

// conjuncts splits s on conjunctions at nesting depth zero. A BETWEEN ... AND
// pair is kept together.
func (lx lexer) conjuncts(s string) []string {
	var cuts [][2]int
	depth := 0
	pendingBetween := false
	_ = lx.segments(s, func(start int, text string, quoted bool) bool {
		if quoted {
			return true
		}
		for i := 0; i < len(text); i++ {
			switch text[i] {
			case '(', '[':
				depth++
				continue
			case ')', ']':
				depth--
				continue
			}
			if depth != 0 {
				continue
			}
			if lx.andSymbol != "" && strings.HasPrefix(text[i:], lx.andSymbol) {
				cuts = append(cuts, [2]int{start + i, start + i + len(lx.andSymbol)})
				i += len(lx.andSymbol) - 1
				continue
			}
			if lx.andWord == "" || !wordAt(text, i) {
				continue
			}
			if keywordAt(text, i, "BETWEEN") {
				pendingBetween = true
				continue
			}
			if keywordAt(text, i, lx.andWord) {
				if pendingBetween {
					pendingBetween = false
					continue
				}
				cuts = append(cuts, [2]int{start + i, start + i + len(lx.andWord)})
				i += len(lx.andWord) - 1
			}
		}
		return true
	})
	if len(cuts) == 0 {
		return []string{strings.TrimSpace(s)}
	}
	out := make([]string, 0, len(cuts)+1)
	prev := 0
	for _, c := range cuts {
		out = append(out, strings.TrimSpace(s[prev:c[0]]))
		prev = c[1]
	}
	return append(out, strings.TrimSpace(s[prev:]))
}

// wordAt reports whether a word starts at text[i].
func wordAt(text string, i int) bool {
	return i == 0 || !isWordByte(text[i-1])
}

func keywordAt(text string, i int, kw string) bool {
	end := i + len(kw)
	if end > len(text) || !strings.EqualFold(text[i:end], kw) {
		return false
	}
	return end == len(text) || !isWordByte(text[end])
}

func isWordByte(b byte) bool {
	return b == '_' || b == '$' || unicode.IsLetter(rune(b)) || unicode.IsDigit(rune(b))
}

// containsOutside reports whether needle occurs in s outside quoted text,
// ignoring case.
func (lx lexer) containsOutside(s, needle string) bool {
	needle = strings.ToLower(needle)
	found := false
	_ = lx.segments(s, func(_ int, text string, quoted bool) bool {
		if !quoted && strings.Contains(strings.ToLower(text), needle) {
			found = true
			return false
		}
		return true
	})
	return found
}

// containsQuoted reports whether a quoted run of s equals the quoted needle.
func (lx lexer) containsQuoted(s, quotedNeedle string) bool {
	found := false
	_ = lx.segments(s, func(_ int, text string, quoted bool) bool {
		if quoted && text == quotedNeedle {
			found = true
			return false
		}
		return true
	})
	return found
}

const maxLoggedLiteral = 96

// Truncate shortens long quoted literals, typically WKT, for log output.
func Truncate(s string) string {
	var b strings.Builder
	err := sqlLexer.segments(s, func(_ int, text string, quoted bool) bool {
		if quoted && len(text) > maxLoggedLiteral {
			fmt.Fprintf(&b, "%s...(%d bytes)%c", text[:maxLoggedLiteral-16], len(text), text[0])
			return true
		}
		b.WriteString(text)
		return true
	})
	if err != nil {
		if len(s) > 4*maxLoggedLiteral {
			return s[:4*maxLoggedLiteral] + "..."
		}
		return s
	}
	return b.String()
}
