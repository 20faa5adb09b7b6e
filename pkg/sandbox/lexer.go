package sandbox

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokText tokenKind = iota
	tokVarBegin
	tokVarEnd
	tokBlockBegin
	tokBlockEnd
	tokName
	tokString
	tokInt
	tokFloat
	tokOp
	tokEOF
)

func (k tokenKind) String() string {
	switch k {
	case tokText:
		return "text"
	case tokVarBegin:
		return "'{{'"
	case tokVarEnd:
		return "'}}'"
	case tokBlockBegin:
		return "'{%'"
	case tokBlockEnd:
		return "'%}'"
	case tokName:
		return "name"
	case tokString:
		return "string"
	case tokInt, tokFloat:
		return "number"
	case tokOp:
		return "operator"
	default:
		return "end of template"
	}
}

type token struct {
	kind tokenKind
	val  string
	line int
}

func (t token) describe() string {
	switch t.kind {
	case tokName, tokOp, tokInt, tokFloat:
		return fmt.Sprintf("%q", t.val)
	case tokString:
		return "string literal"
	default:
		return t.kind.String()
	}
}

// Two-character operators must be listed before their one-character prefixes.
var operators = []string{"==", "!=", "<=", ">=", "//", "+", "-", "*", "/", "%", "~", "<", ">", "(", ")", "[", "]", ".", ",", "|"}

type lexer struct {
	src      string
	pos      int
	line     int
	trimNext bool
	tokens   []token
}

// lex splits a template body into text and code tokens. Comments are dropped
// and whitespace control markers are applied to the neighbouring text.
func lex(src string) ([]token, error) {
	l := &lexer{src: src, line: 1}
	if err := l.run(); err != nil {
		return nil, err
	}
	return l.tokens, nil
}

func (l *lexer) errorf(format string, args ...any) error {
	return &CompileError{Line: l.line, Message: fmt.Sprintf(format, args...)}
}

func (l *lexer) emit(kind tokenKind, val string, line int) {
	l.tokens = append(l.tokens, token{kind: kind, val: val, line: line})
}

func (l *lexer) run() error {
	for l.pos < len(l.src) {
		idx := indexOpener(l.src[l.pos:])
		if idx < 0 {
			l.emitText(l.src[l.pos:], false)
			l.pos = len(l.src)
			break
		}

		open := l.src[l.pos+idx : l.pos+idx+2]
		trimLeft := l.pos+idx+2 < len(l.src) && l.src[l.pos+idx+2] == '-'
		l.emitText(l.src[l.pos:l.pos+idx], trimLeft)
		l.pos += idx + 2
		if trimLeft {
			l.pos++
		}

		var err error
		switch open {
		case "{#":
			err = l.lexComment()
		case "{{":
			l.emit(tokVarBegin, open, l.line)
			err = l.lexCode("}}", tokVarEnd, "expression")
		case "{%":
			l.emit(tokBlockBegin, open, l.line)
			err = l.lexCode("%}", tokBlockEnd, "block tag")
		}
		if err != nil {
			return err
		}
	}
	l.emit(tokEOF, "", l.line)
	return nil
}

func indexOpener(s string) int {
	for i := 0; i+1 < len(s); i++ {
		if s[i] != '{' {
			continue
		}
		switch s[i+1] {
		case '{', '%', '#':
			return i
		}
	}
	return -1
}

func (l *lexer) emitText(raw string, trimRight bool) {
	line := l.line
	l.line += strings.Count(raw, "\n")
	text := raw
	if l.trimNext {
		text = strings.TrimLeftFunc(text, unicode.IsSpace)
		l.trimNext = false
	}
	if trimRight {
		text = strings.TrimRightFunc(text, unicode.IsSpace)
	}
	if text != "" {
		l.emit(tokText, text, line)
	}
}

func (l *lexer) lexComment() error {
	end := strings.Index(l.src[l.pos:], "#}")
	if end < 0 {
		return l.errorf("unterminated comment")
	}
	body := l.src[l.pos : l.pos+end]
	l.line += strings.Count(body, "\n")
	l.trimNext = strings.HasSuffix(body, "-")
	l.pos += end + 2
	return nil
}

func (l *lexer) lexCode(closer string, endKind tokenKind, what string) error {
	for {
		for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
			if l.src[l.pos] == '\n' {
				l.line++
			}
			l.pos++
		}
		if l.pos >= len(l.src) {
			return l.errorf("unterminated %s, expected %q", what, closer)
		}

		rest := l.src[l.pos:]
		if strings.HasPrefix(rest, "-"+closer) {
			l.emit(endKind, closer, l.line)
			l.pos += 3
			l.trimNext = true
			return nil
		}
		if strings.HasPrefix(rest, closer) {
			l.emit(endKind, closer, l.line)
			l.pos += 2
			return nil
		}

		c := rest[0]
		switch {
		case isNameStart(c):
			n := 1
			for n < len(rest) && isNameChar(rest[n]) {
				n++
			}
			l.emit(tokName, rest[:n], l.line)
			l.pos += n
		case isDigit(c):
			l.lexNumber()
		case c == '"' || c == '\'':
			if err := l.lexString(c); err != nil {
				return err
			}
		default:
			op := ""
			for _, candidate := range operators {
				if strings.HasPrefix(rest, candidate) {
					op = candidate
					break
				}
			}
			if op == "" {
				return l.errorf("unexpected character %q in %s", c, what)
			}
			l.emit(tokOp, op, l.line)
			l.pos += len(op)
		}
	}
}

func (l *lexer) lexNumber() {
	start := l.pos
	for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
		l.pos++
	}
	kind := tokInt
	if l.pos+1 < len(l.src) && l.src[l.pos] == '.' && isDigit(l.src[l.pos+1]) {
		kind = tokFloat
		l.pos++
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
	}
	l.emit(kind, l.src[start:l.pos], l.line)
}

func (l *lexer) lexString(quote byte) error {
	line := l.line
	var sb strings.Builder
	l.pos++
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == quote:
			l.pos++
			l.emit(tokString, sb.String(), line)
			return nil
		case c == '\\' && l.pos+1 < len(l.src):
			l.pos++
			switch e := l.src[l.pos]; e {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case 'r':
				sb.WriteByte('\r')
			case '\\', '\'', '"':
				sb.WriteByte(e)
			default:
				sb.WriteByte('\\')
				sb.WriteByte(e)
			}
			l.pos++
		default:
			if c == '\n' {
				l.line++
			}
			sb.WriteByte(c)
			l.pos++
		}
	}
	l.line = line
	return l.errorf("unterminated string literal")
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isNameStart(c byte) bool { return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }

func isNameChar(c byte) bool { return isNameStart(c) || isDigit(c) }
