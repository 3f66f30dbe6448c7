package fingerprint

import (
	"strings"
	"unicode"
)

// Reserved keywords that are upper-cased during normalisation. Identifiers
// are left untouched, so only words appearing outside quotes are folded.
var reservedKeywords = map[string]string{
	"select": "SELECT", "from": "FROM", "where": "WHERE", "and": "AND",
	"or": "OR", "not": "NOT", "in": "IN", "insert": "INSERT", "into": "INTO",
	"values": "VALUES", "update": "UPDATE", "set": "SET", "delete": "DELETE",
	"join": "JOIN", "inner": "INNER", "left": "LEFT", "right": "RIGHT",
	"outer": "OUTER", "cross": "CROSS", "on": "ON", "as": "AS", "group": "GROUP",
	"by": "BY", "having": "HAVING", "order": "ORDER", "asc": "ASC",
	"desc": "DESC", "limit": "LIMIT", "offset": "OFFSET", "union": "UNION",
	"all": "ALL", "distinct": "DISTINCT", "exists": "EXISTS", "between": "BETWEEN",
	"like": "LIKE", "is": "IS", "null": "NULL", "case": "CASE", "when": "WHEN",
	"then": "THEN", "else": "ELSE", "end": "END", "with": "WITH",
	"create": "CREATE", "drop": "DROP", "alter": "ALTER", "table": "TABLE",
	"index": "INDEX", "view": "VIEW", "top": "TOP", "count": "COUNT",
	"sum": "SUM", "avg": "AVG", "min": "MIN", "max": "MAX",
}

// Normalize produces the canonical form of a SQL statement: comments
// stripped, whitespace collapsed, literals replaced by placeholders, IN lists
// collapsed, and reserved keywords upper-cased. It is deterministic and
// idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	stripped := stripComments(text)
	replaced := replaceLiterals(stripped)
	collapsed := collapseWhitespace(replaced)
	collapsed = collapseInLists(collapsed)
	return foldKeywords(collapsed)
}

// stripComments removes -- line comments, # line comments, and /* */ block
// comments. Quoted strings are honoured so a comment marker inside a literal
// survives.
func stripComments(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == '\'':
			j := skipString(text, i)
			b.WriteString(text[i:j])
			i = j
		case c == '-' && i+1 < len(text) && text[i+1] == '-':
			for i < len(text) && text[i] != '\n' {
				i++
			}
		case c == '#':
			for i < len(text) && text[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(text) && text[i+1] == '*':
			i += 2
			for i+1 < len(text) && !(text[i] == '*' && text[i+1] == '/') {
				i++
			}
			if i+1 < len(text) {
				i += 2
			} else {
				i = len(text)
			}
			// A block comment acts as a token separator.
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// skipString returns the index just past the single-quoted string starting at
// text[start]. Doubled quotes ('') inside the literal are treated as escapes.
func skipString(text string, start int) int {
	i := start + 1
	for i < len(text) {
		if text[i] == '\'' {
			if i+1 < len(text) && text[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(text)
}

// replaceLiterals substitutes ? for numeric and single-quoted string literals.
func replaceLiterals(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for i < len(text) {
		c := text[i]
		switch {
		case c == '\'':
			i = skipString(text, i)
			b.WriteByte('?')
		case isDigit(c) && !identifierTail(b.String()):
			// 0x... hex literals are consumed whole.
			if c == '0' && i+1 < len(text) && (text[i+1] == 'x' || text[i+1] == 'X') {
				j := i + 2
				for j < len(text) && isHexDigit(text[j]) {
					j++
				}
				if j > i+2 {
					i = j
					b.WriteByte('?')
					continue
				}
			}
			j := i
			for j < len(text) && (isDigit(text[j]) || text[j] == '.') {
				j++
			}
			// Exponent part: 1e10, 1.5E-3.
			if j < len(text) && (text[j] == 'e' || text[j] == 'E') {
				k := j + 1
				if k < len(text) && (text[k] == '+' || text[k] == '-') {
					k++
				}
				if k < len(text) && isDigit(text[k]) {
					for k < len(text) && isDigit(text[k]) {
						k++
					}
					j = k
				}
			}
			i = j
			b.WriteByte('?')
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// identifierTail reports whether the output so far ends mid-identifier, in
// which case a following digit belongs to the identifier (e.g. "t1", "col_2")
// rather than starting a numeric literal.
func identifierTail(s string) bool {
	if s == "" {
		return false
	}
	last := s[len(s)-1]
	return last == '_' || last == '`' ||
		(last >= 'a' && last <= 'z') || (last >= 'A' && last <= 'Z') ||
		(last >= '0' && last <= '9')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHexDigit(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// collapseWhitespace reduces every run of whitespace to a single space and
// trims the ends.
func collapseWhitespace(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// collapseInLists rewrites IN (?, ?, ...) of any length as IN (?). The input
// is expected to have literals already replaced and whitespace collapsed.
func collapseInLists(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for i < len(text) {
		if (text[i] == 'i' || text[i] == 'I') && i+1 < len(text) &&
			(text[i+1] == 'n' || text[i+1] == 'N') &&
			wordBoundaryBefore(text, i) {
			j := i + 2
			for j < len(text) && text[j] == ' ' {
				j++
			}
			if j < len(text) && text[j] == '(' {
				if end, ok := placeholderListEnd(text, j); ok {
					b.WriteString("IN (?)")
					i = end
					continue
				}
			}
		}
		b.WriteByte(text[i])
		i++
	}
	return b.String()
}

func wordBoundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	prev := text[i-1]
	return !(prev == '_' || (prev >= 'a' && prev <= 'z') || (prev >= 'A' && prev <= 'Z') || isDigit(prev))
}

// placeholderListEnd scans a parenthesised list starting at text[open] and
// returns the index just past the closing parenthesis when the list consists
// solely of placeholders and commas.
func placeholderListEnd(text string, open int) (int, bool) {
	i := open + 1
	seen := 0
	for i < len(text) {
		switch text[i] {
		case ' ', ',':
			i++
		case '?':
			seen++
			i++
		case ')':
			return i + 1, seen > 0
		default:
			return 0, false
		}
	}
	return 0, false
}

// foldKeywords upper-cases reserved keywords outside of quoted regions.
func foldKeywords(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for i < len(text) {
		c := text[i]
		if c == '\'' || c == '`' || c == '"' {
			j := skipQuoted(text, i, c)
			b.WriteString(text[i:j])
			i = j
			continue
		}
		if isWordStart(c) {
			j := i
			for j < len(text) && isWordChar(text[j]) {
				j++
			}
			word := text[i:j]
			if upper, ok := reservedKeywords[strings.ToLower(word)]; ok {
				b.WriteString(upper)
			} else {
				b.WriteString(word)
			}
			i = j
			continue
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

func skipQuoted(text string, start int, quote byte) int {
	i := start + 1
	for i < len(text) {
		if text[i] == quote {
			if quote == '\'' && i+1 < len(text) && text[i+1] == '\'' {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(text)
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordChar(c byte) bool {
	return isWordStart(c) || isDigit(c)
}
