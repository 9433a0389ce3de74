// Package filter parses and evaluates string search filters (RFC 4515).
// Filters are matched against anything exposing attribute values by name;
// attribute names and values are compared case-insensitively.
package filter

import (
	"strings"
)

// Attributes exposes attribute values by name.
type Attributes interface {
	Get(attr string) []string
}

// Filter is a parsed search filter.
type Filter interface {
	Match(a Attributes) bool
	String() string
}

// And matches when every child matches. An empty And is true.
type And []Filter

// Or matches when any child matches. An empty Or is false.
type Or []Filter

// Not negates its child.
type Not struct{ Filter Filter }

// Equality is attr=value.
type Equality struct{ Attr, Value string }

// Approx is attr~=value, evaluated as equality.
type Approx struct{ Attr, Value string }

// GreaterOrEqual is attr>=value.
type GreaterOrEqual struct{ Attr, Value string }

// LessOrEqual is attr<=value.
type LessOrEqual struct{ Attr, Value string }

// Present is attr=*.
type Present struct{ Attr string }

// Substrings is attr=initial*any*...*final.
type Substrings struct {
	Attr    string
	Initial string
	Any     []string
	Final   string
}

func (f And) Match(a Attributes) bool {
	for _, c := range f {
		if !c.Match(a) {
			return false
		}
	}
	return true
}

func (f Or) Match(a Attributes) bool {
	for _, c := range f {
		if c.Match(a) {
			return true
		}
	}
	return false
}

func (f Not) Match(a Attributes) bool { return !f.Filter.Match(a) }

func (f Equality) Match(a Attributes) bool {
	for _, v := range a.Get(f.Attr) {
		if strings.EqualFold(v, f.Value) {
			return true
		}
	}
	return false
}

func (f Approx) Match(a Attributes) bool { return Equality(f).Match(a) }

func (f GreaterOrEqual) Match(a Attributes) bool {
	want := strings.ToLower(f.Value)
	for _, v := range a.Get(f.Attr) {
		if strings.ToLower(v) >= want {
			return true
		}
	}
	return false
}

func (f LessOrEqual) Match(a Attributes) bool {
	want := strings.ToLower(f.Value)
	for _, v := range a.Get(f.Attr) {
		if strings.ToLower(v) <= want {
			return true
		}
	}
	return false
}

func (f Present) Match(a Attributes) bool { return len(a.Get(f.Attr)) > 0 }

func (f Substrings) Match(a Attributes) bool {
	for _, v := range a.Get(f.Attr) {
		if f.matchValue(strings.ToLower(v)) {
			return true
		}
	}
	return false
}

func (f Substrings) matchValue(v string) bool {
	initial := strings.ToLower(f.Initial)
	if !strings.HasPrefix(v, initial) {
		return false
	}
	v = v[len(initial):]
	for _, part := range f.Any {
		part = strings.ToLower(part)
		i := strings.Index(v, part)
		if i < 0 {
			return false
		}
		v = v[i+len(part):]
	}
	return strings.HasSuffix(v, strings.ToLower(f.Final))
}

func (f And) String() string { return "(&" + join(f) + ")" }
func (f Or) String() string  { return "(|" + join(f) + ")" }
func (f Not) String() string { return "(!" + f.Filter.String() + ")" }
func (f Equality) String() string {
	return "(" + f.Attr + "=" + Escape(f.Value) + ")"
}
func (f Approx) String() string {
	return "(" + f.Attr + "~=" + Escape(f.Value) + ")"
}
func (f GreaterOrEqual) String() string {
	return "(" + f.Attr + ">=" + Escape(f.Value) + ")"
}
func (f LessOrEqual) String() string {
	return "(" + f.Attr + "<=" + Escape(f.Value) + ")"
}
func (f Present) String() string { return "(" + f.Attr + "=*)" }
func (f Substrings) String() string {
	var b strings.Builder
	b.WriteString("(" + f.Attr + "=" + Escape(f.Initial) + "*")
	for _, part := range f.Any {
		b.WriteString(Escape(part) + "*")
	}
	b.WriteString(Escape(f.Final) + ")")
	return b.String()
}

func join(fs []Filter) string {
	var b strings.Builder
	for _, f := range fs {
		b.WriteString(f.String())
	}
	return b.String()
}

// Escape encodes the characters that are special in a filter value.
func Escape(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		switch c := v[i]; c {
		case '*', '(', ')', '\\', 0:
			b.WriteString(`\`)
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0xf])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

const hexDigits = "0123456789abcdef"

// LowerBound returns the greatest value v such that f only matches entries
// whose attr is >= v. It looks at f itself and the direct children of a
// top-level And.
func LowerBound(f Filter, attr string) (string, bool) {
	switch t := f.(type) {
	case GreaterOrEqual:
		if strings.EqualFold(t.Attr, attr) {
			return t.Value, true
		}
	case And:
		var best string
		found := false
		for _, c := range t {
			if v, ok := LowerBound(c, attr); ok && (!found || v > best) {
				best, found = v, true
			}
		}
		return best, found
	}
	return "", false
}

// UpperBound is the LessOrEqual counterpart of LowerBound.
func UpperBound(f Filter, attr string) (string, bool) {
	switch t := f.(type) {
	case LessOrEqual:
		if strings.EqualFold(t.Attr, attr) {
			return t.Value, true
		}
	case And:
		var best string
		found := false
		for _, c := range t {
			if v, ok := UpperBound(c, attr); ok && (!found || v < best) {
				best, found = v, true
			}
		}
		return best, found
	}
	return "", false
}

// AnyOf builds (|(attr=v1)(attr=v2)...).
func AnyOf(attr string, values []string) Filter {
	out := make(Or, 0, len(values))
	for _, v := range values {
		out = append(out, Equality{Attr: attr, Value: v})
	}
	return out
}
