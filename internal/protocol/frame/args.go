package frame

import (
	"fmt"
	"strings"
)

var (
	ErrUnterminatedQuote = fmt.Errorf("%w: unterminated quote", ErrParse)
	ErrQuoteNotSeparated = fmt.Errorf("%w: closing quote must be followed by a space", ErrParse)
)

// SplitArgs tokenizes a shell-quoted argument list.
//
// Double-quoted tokens understand \" \\ \n \r \t \b \a and \xHH escapes,
// single-quoted tokens only \'. A quote opens a quoted token only as its
// first byte; inside a bare token quotes are literal, so unquoted JSON
// such as {"channels":[]} is one token. Bare tokens end at whitespace.
func SplitArgs(s string) ([]string, error) {
	var out []string
	p := 0
	for {
		for p < len(s) && isSpace(s[p]) {
			p++
		}
		if p >= len(s) {
			return out, nil
		}

		start := p
		var (
			tok  strings.Builder
			inq  bool
			insq bool
			done bool
		)
		for !done {
			switch {
			case inq:
				if p >= len(s) {
					return nil, ErrUnterminatedQuote
				}
				c := s[p]
				switch {
				case c == '\\' && p+3 < len(s) && s[p+1] == 'x' && isHex(s[p+2]) && isHex(s[p+3]):
					tok.WriteByte(hexVal(s[p+2])<<4 | hexVal(s[p+3]))
					p += 3
				case c == '\\' && p+1 < len(s):
					p++
					tok.WriteByte(unescape(s[p]))
				case c == '"':
					if p+1 < len(s) && !isSpace(s[p+1]) {
						return nil, ErrQuoteNotSeparated
					}
					done = true
				default:
					tok.WriteByte(c)
				}
			case insq:
				if p >= len(s) {
					return nil, ErrUnterminatedQuote
				}
				c := s[p]
				switch {
				case c == '\\' && p+1 < len(s) && s[p+1] == '\'':
					p++
					tok.WriteByte('\'')
				case c == '\'':
					if p+1 < len(s) && !isSpace(s[p+1]) {
						return nil, ErrQuoteNotSeparated
					}
					done = true
				default:
					tok.WriteByte(c)
				}
			default:
				if p >= len(s) {
					done = true
					break
				}
				switch c := s[p]; {
				case isSpace(c):
					done = true
				case c == '"' && p == start:
					inq = true
				case c == '\'' && p == start:
					insq = true
				default:
					tok.WriteByte(c)
				}
			}
			if p < len(s) {
				p++
			}
		}
		out = append(out, tok.String())
	}
}

// QuoteArgs joins args so that SplitArgs returns them unchanged.
func QuoteArgs(args ...string) string {
	var b strings.Builder
	for i, arg := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		if isBare(arg) {
			b.WriteString(arg)
			continue
		}
		quote(&b, arg)
	}
	return b.String()
}

func quote(b *strings.Builder, arg string) {
	const hexDigits = "0123456789abcdef"
	b.WriteByte('"')
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\a':
			b.WriteString(`\a`)
		case '\b':
			b.WriteString(`\b`)
		default:
			if c < 0x20 || c == 0x7f {
				b.WriteString(`\x`)
				b.WriteByte(hexDigits[c>>4])
				b.WriteByte(hexDigits[c&0x0f])
				continue
			}
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
}

// isBare reports whether arg survives SplitArgs without quoting: no
// whitespace or control bytes, and no quote in the leading position.
func isBare(arg string) bool {
	if arg == "" || arg[0] == '"' || arg[0] == '\'' {
		return false
	}
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		if c <= 0x20 || c >= 0x7f {
			return false
		}
	}
	return true
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f', 0:
		return true
	}
	return false
}

func unescape(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 'r':
		return '\r'
	case 't':
		return '\t'
	case 'b':
		return '\b'
	case 'a':
		return '\a'
	default:
		return c
	}
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
