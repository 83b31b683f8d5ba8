package cypher

import (
	"strconv"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokInt
	tokFloat
	tokParam
	tokPunct
)

type token struct {
	kind tokenKind
	text string // identifier/punctuation text, unquoted string contents
	ival int64
	fval float64
	pos  int // byte offset of the first character
	end  int // byte offset after the last character
}

// is reports whether t is the keyword kw (case-insensitive) or the
// punctuation kw.
func (t token) is(kw string) bool {
	switch t.kind {
	case tokIdent:
		return strings.EqualFold(t.text, kw)
	case tokPunct:
		return t.text == kw
	}
	return false
}

var multiPunct = []string{"<>", "<=", ">=", "->", "<-", "=~"}

// lex splits a query into tokens. Backquoted identifiers are returned as
// plain identifiers.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			for i < len(src) && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			end := strings.Index(src[i+2:], "*/")
			if end < 0 {
				return nil, syntaxErrorf(i, "unterminated comment")
			}
			i += end + 4
		case c == '\'' || c == '"':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i, end: i + n})
			i += n
		case c == '`':
			end := strings.IndexByte(src[i+1:], '`')
			if end < 0 {
				return nil, syntaxErrorf(i, "unterminated backquoted identifier")
			}
			toks = append(toks, token{kind: tokIdent, text: src[i+1 : i+1+end], pos: i, end: i + end + 2})
			i += end + 2
		case c == '$':
			j := i + 1
			for j < len(src) && isIdentByte(src[j]) {
				j++
			}
			if j == i+1 {
				return nil, syntaxErrorf(i, "expected parameter name after '$'")
			}
			toks = append(toks, token{kind: tokParam, text: src[i+1 : j], pos: i, end: j})
			i = j
		case c >= '0' && c <= '9':
			t, err := lexNumber(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, t)
			i = t.end
		case isIdentStart(c):
			j := i
			for j < len(src) && isIdentByte(src[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: src[i:j], pos: i, end: j})
			i = j
		default:
			matched := false
			for _, p := range multiPunct {
				if strings.HasPrefix(src[i:], p) {
					toks = append(toks, token{kind: tokPunct, text: p, pos: i, end: i + len(p)})
					i += len(p)
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if !strings.ContainsRune("()[]{}:,.=<>+-*/%;|", rune(c)) {
				return nil, syntaxErrorf(i, "unexpected character %q", c)
			}
			toks = append(toks, token{kind: tokPunct, text: string(c), pos: i, end: i + 1})
			i++
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src), end: len(src)})
	return toks, nil
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i + 1 - start, nil
		case c == '\\' && i+1 < len(src):
			i++
			switch src[i] {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(src[i])
			}
		default:
			b.WriteByte(c)
		}
		i++
	}
	return "", 0, syntaxErrorf(start, "unterminated string literal")
}

func lexNumber(src string, start int) (token, error) {
	j := start
	isFloat := false
	for j < len(src) && src[j] >= '0' && src[j] <= '9' {
		j++
	}
	// "1..2" is not a float; only treat '.' as a decimal point when a digit follows.
	if j+1 < len(src) && src[j] == '.' && src[j+1] >= '0' && src[j+1] <= '9' {
		isFloat = true
		j++
		for j < len(src) && src[j] >= '0' && src[j] <= '9' {
			j++
		}
	}
	if j < len(src) && (src[j] == 'e' || src[j] == 'E') {
		k := j + 1
		if k < len(src) && (src[k] == '+' || src[k] == '-') {
			k++
		}
		if k < len(src) && src[k] >= '0' && src[k] <= '9' {
			isFloat = true
			j = k
			for j < len(src) && src[j] >= '0' && src[j] <= '9' {
				j++
			}
		}
	}
	text := src[start:j]
	if isFloat {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return token{}, syntaxErrorf(start, "invalid number %q", text)
		}
		return token{kind: tokFloat, text: text, fval: f, pos: start, end: j}, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return token{}, syntaxErrorf(start, "integer %q out of range", text)
	}
	return token{kind: tokInt, text: text, ival: n, pos: start, end: j}, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c))
}

func isIdentByte(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c)) || (c >= '0' && c <= '9')
}
