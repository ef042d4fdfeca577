package sqlguard

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokQuotedIdent
	tokString
	tokNumber
	tokOperator
	tokLParen
	tokRParen
	tokComma
	tokDot
	tokSemicolon
)

type token struct {
	kind tokenKind
	text string
	// value is the lowercased name for identifiers and the unquoted body for
	// string literals.
	value string
	pos   int
}

func (t token) is(kind tokenKind) bool {
	return t.kind == kind
}

// keyword reports whether t is the bare keyword kw (upper case).
func (t token) keyword(kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (t token) upper() string {
	if t.kind != tokIdent {
		return ""
	}
	return strings.ToUpper(t.text)
}

func (t token) isName() bool {
	if t.kind == tokQuotedIdent {
		return true
	}
	return t.kind == tokIdent && !isReserved(t.upper())
}

func (t token) isOp(op string) bool {
	return t.kind == tokOperator && t.text == op
}

// lex splits sql into tokens. Any sequence that could change where a
// statement or literal ends is reported as a hazard instead of being
// interpreted.
func lex(sql string) ([]token, []Violation) {
	var (
		tokens  []token
		hazards []Violation
	)
	hazard := func(reason string, args ...any) {
		hazards = append(hazards, Violation{Check: CheckInjection, Reason: fmt.Sprintf(reason, args...)})
	}

	i := 0
	for i < len(sql) {
		c := sql[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			hazard("comment sequence '--' outside string literal")
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				i = len(sql)
			} else {
				i += end
			}
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			hazard("comment sequence '/*' outside string literal")
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 4
			}
		case c == '*' && i+1 < len(sql) && sql[i+1] == '/':
			hazard("comment terminator '*/' outside string literal")
			i += 2
		case c == '#':
			hazard("comment sequence '#' outside string literal")
			end := strings.IndexByte(sql[i:], '\n')
			if end < 0 {
				i = len(sql)
			} else {
				i += end
			}
		case c == '\'':
			body, next, ok := readQuoted(sql, i, '\'')
			if !ok {
				hazard("unterminated string literal")
				return tokens, hazards
			}
			if strings.ContainsRune(body, '\\') {
				hazard("backslash escape in string literal")
			}
			if strings.ContainsRune(body, 0) {
				hazard("NUL byte in string literal")
			}
			tokens = append(tokens, token{kind: tokString, text: sql[i:next], value: body, pos: i})
			i = next
		case c == '"' || c == '`':
			body, next, ok := readQuoted(sql, i, c)
			if !ok {
				hazard("unterminated quoted identifier")
				return tokens, hazards
			}
			if body == "" {
				hazard("empty quoted identifier")
			}
			tokens = append(tokens, token{kind: tokQuotedIdent, text: sql[i:next], value: strings.ToLower(body), pos: i})
			i = next
		case c == '$':
			if i+1 < len(sql) && isDigit(sql[i+1]) {
				hazard("bind placeholder '$n' is not allowed")
				i += 2
				for i < len(sql) && isDigit(sql[i]) {
					i++
				}
				continue
			}
			hazard("dollar-quoted literal is not allowed")
			return tokens, hazards
		case c == '?':
			hazard("bind placeholder '?' is not allowed")
			i++
		case c == ':' && i+1 < len(sql) && sql[i+1] == ':':
			tokens = append(tokens, token{kind: tokOperator, text: "::", pos: i})
			i += 2
		case c == ':':
			hazard("named placeholder ':' is not allowed")
			i++
		case c == ';':
			tokens = append(tokens, token{kind: tokSemicolon, text: ";", pos: i})
			i++
		case c == '(':
			tokens = append(tokens, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			tokens = append(tokens, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == '.' && (i+1 >= len(sql) || !isDigit(sql[i+1])):
			tokens = append(tokens, token{kind: tokDot, text: ".", pos: i})
			i++
		case isDigit(c) || c == '.':
			start := i
			i = readNumber(sql, i)
			tokens = append(tokens, token{kind: tokNumber, text: sql[start:i], value: sql[start:i], pos: start})
		case isIdentStart(c):
			start := i
			for i < len(sql) && isIdentPart(sql[i]) {
				i++
			}
			text := sql[start:i]
			if (text == "E" || text == "e") && i < len(sql) && sql[i] == '\'' {
				hazard("escape string literal is not allowed")
			}
			tokens = append(tokens, token{kind: tokIdent, text: text, value: strings.ToLower(text), pos: start})
		case strings.IndexByte("=<>!|+-*/%&~^[]", c) >= 0:
			start := i
			i = readOperator(sql, i)
			tokens = append(tokens, token{kind: tokOperator, text: sql[start:i], pos: start})
		case c == '\\':
			hazard("backslash outside string literal")
			i++
		default:
			r := rune(c)
			if c < 0x20 || c == 0x7f {
				hazard("control character outside string literal")
			} else if c >= 0x80 {
				r = []rune(sql[i:])[0]
				if unicode.IsSpace(r) {
					hazard("non-ASCII whitespace outside string literal")
				} else {
					hazard("unexpected character %q", r)
				}
				i += len(string(r))
				continue
			} else {
				hazard("unexpected character %q", r)
			}
			i++
		}
	}
	return tokens, hazards
}

// readQuoted reads a literal opened by quote at sql[start], honoring doubled
// quotes as escapes. It returns the unescaped body and the index after the
// closing quote.
func readQuoted(sql string, start int, quote byte) (string, int, bool) {
	var b strings.Builder
	i := start + 1
	for i < len(sql) {
		if sql[i] == quote {
			if i+1 < len(sql) && sql[i+1] == quote {
				b.WriteByte(quote)
				i += 2
				continue
			}
			return b.String(), i + 1, true
		}
		b.WriteByte(sql[i])
		i++
	}
	return "", len(sql), false
}

func readNumber(sql string, i int) int {
	seenDot := false
	for i < len(sql) {
		c := sql[i]
		switch {
		case isDigit(c):
			i++
		case c == '.' && !seenDot:
			seenDot = true
			i++
		case (c == 'e' || c == 'E') && i+1 < len(sql) && (isDigit(sql[i+1]) || ((sql[i+1] == '+' || sql[i+1] == '-') && i+2 < len(sql) && isDigit(sql[i+2]))):
			i += 2
			for i < len(sql) && isDigit(sql[i]) {
				i++
			}
			return i
		default:
			return i
		}
	}
	return i
}

var multiCharOperators = []string{"->>", "<=", ">=", "<>", "!=", "||", "->"}

func readOperator(sql string, i int) int {
	for _, op := range multiCharOperators {
		if strings.HasPrefix(sql[i:], op) {
			return i + len(op)
		}
	}
	return i + 1
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c) || c == '$'
}
