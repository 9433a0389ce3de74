package filter

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSyntax is returned for a filter string that cannot be parsed.
var ErrSyntax = errors.New("filter: syntax error")

// Parse parses a filter string. A bare item without the enclosing
// parentheses, such as "cn=alice", is accepted.
func Parse(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty filter", ErrSyntax)
	}
	if s[0] != '(' {
		s = "(" + s + ")"
	}
	p := &parser{in: s}
	f, err := p.filter()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.in) {
		return nil, p.errorf("trailing input")
	}
	return f, nil
}

// MustParse is Parse for literal filters; it panics on error.
func MustParse(s string) Filter {
	f, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return f
}

type parser struct {
	in  string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at %d: %s", ErrSyntax, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) peek() byte {
	if p.pos < len(p.in) {
		return p.in[p.pos]
	}
	return 0
}

func (p *parser) expect(c byte) error {
	if p.peek() != c {
		return p.errorf("expected %q", c)
	}
	p.pos++
	return nil
}

func (p *parser) filter() (Filter, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}
	var (
		f   Filter
		err error
	)
	switch p.peek() {
	case '&':
		p.pos++
		var list []Filter
		list, err = p.list()
		f = And(list)
	case '|':
		p.pos++
		var list []Filter
		list, err = p.list()
		f = Or(list)
	case '!':
		p.pos++
		var child Filter
		child, err = p.filter()
		f = Not{Filter: child}
	default:
		f, err = p.item()
	}
	if err != nil {
		return nil, err
	}
	if err := p.expect(')'); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *parser) list() ([]Filter, error) {
	var out []Filter
	for p.peek() == '(' {
		f, err := p.filter()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (p *parser) item() (Filter, error) {
	start := p.pos
	for p.pos < len(p.in) && !strings.ContainsRune("=~<>()", rune(p.in[p.pos])) {
		p.pos++
	}
	attr := strings.TrimSpace(p.in[start:p.pos])
	if attr == "" {
		return nil, p.errorf("missing attribute")
	}
	var op string
	switch {
	case strings.HasPrefix(p.in[p.pos:], "~="):
		op = "~="
	case strings.HasPrefix(p.in[p.pos:], ">="):
		op = ">="
	case strings.HasPrefix(p.in[p.pos:], "<="):
		op = "<="
	case strings.HasPrefix(p.in[p.pos:], "="):
		op = "="
	default:
		return nil, p.errorf("missing operator")
	}
	p.pos += len(op)
	start = p.pos
	for p.pos < len(p.in) && p.in[p.pos] != ')' {
		if p.in[p.pos] == '(' {
			return nil, p.errorf("unescaped '('")
		}
		p.pos++
	}
	raw := p.in[start:p.pos]

	if op != "=" {
		value, err := unescape(raw)
		if err != nil {
			return nil, p.errorf("%v", err)
		}
		switch op {
		case "~=":
			return Approx{Attr: attr, Value: value}, nil
		case ">=":
			return GreaterOrEqual{Attr: attr, Value: value}, nil
		default:
			return LessOrEqual{Attr: attr, Value: value}, nil
		}
	}
	if raw == "*" {
		return Present{Attr: attr}, nil
	}
	if !strings.Contains(raw, "*") {
		value, err := unescape(raw)
		if err != nil {
			return nil, p.errorf("%v", err)
		}
		return Equality{Attr: attr, Value: value}, nil
	}
	parts := strings.Split(raw, "*")
	decoded := make([]string, len(parts))
	for i, part := range parts {
		v, err := unescape(part)
		if err != nil {
			return nil, p.errorf("%v", err)
		}
		decoded[i] = v
	}
	sub := Substrings{Attr: attr, Initial: decoded[0], Final: decoded[len(decoded)-1]}
	for _, v := range decoded[1 : len(decoded)-1] {
		if v == "" {
			return nil, p.errorf("empty substring component")
		}
		sub.Any = append(sub.Any, v)
	}
	return sub, nil
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", errors.New("truncated escape")
		}
		hi, ok1 := fromHex(s[i+1])
		lo, ok2 := fromHex(s[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("bad escape %q", s[i:i+3])
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
