// Package dn normalizes distinguished names and answers the scope questions
// the provider asks about them: is an entry under a search base, what is its
// parent, and where does a rename move it.
package dn

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrInvalid is returned for a DN that cannot be parsed.
var ErrInvalid = errors.New("dn: invalid")

// DefaultCacheSize bounds the shared normalizer cache.
const DefaultCacheSize = 4096

// Normalizer maps DNs to their normalized form, remembering recent results.
type Normalizer struct {
	cache *lru.Cache[string, string]
}

// NewNormalizer returns a normalizer caching up to size results.
func NewNormalizer(size int) *Normalizer {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, _ := lru.New[string, string](size)
	return &Normalizer{cache: cache}
}

var shared = NewNormalizer(DefaultCacheSize)

// Normalize normalizes dn with the shared normalizer.
func Normalize(dn string) (string, error) { return shared.Normalize(dn) }

// MustNormalize is Normalize for trusted input; it panics on error.
func MustNormalize(dn string) string {
	n, err := Normalize(dn)
	if err != nil {
		panic(err)
	}
	return n
}

// Normalize lower-cases attribute types and values, trims insignificant
// spaces and orders multi-valued RDN components.
func (n *Normalizer) Normalize(dn string) (string, error) {
	if v, ok := n.cache.Get(dn); ok {
		return v, nil
	}
	rdns, err := split(dn, ',')
	if err != nil {
		return "", err
	}
	out := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		nr, err := normalizeRDN(rdn)
		if err != nil {
			return "", fmt.Errorf("%w: %q", err, dn)
		}
		out = append(out, nr)
	}
	v := strings.Join(out, ",")
	n.cache.Add(dn, v)
	return v, nil
}

// Len reports how many normalized values are cached.
func (n *Normalizer) Len() int { return n.cache.Len() }

func normalizeRDN(rdn string) (string, error) {
	avas, err := split(rdn, '+')
	if err != nil {
		return "", err
	}
	out := make([]string, 0, len(avas))
	for _, ava := range avas {
		typ, value, ok := strings.Cut(ava, "=")
		typ = strings.ToLower(strings.TrimSpace(typ))
		value = strings.TrimSpace(value)
		if !ok || typ == "" {
			return "", ErrInvalid
		}
		out = append(out, typ+"="+strings.ToLower(value))
	}
	sort.Strings(out)
	return strings.Join(out, "+"), nil
}

// split cuts s at unescaped occurrences of sep. An empty input yields no parts.
func split(s string, sep byte) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
			if i >= len(s) {
				return nil, ErrInvalid
			}
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return nil, ErrInvalid
		}
	}
	return parts, nil
}

// RDN returns the leftmost component of a DN.
func RDN(dn string) string {
	if i := indexUnescaped(dn, ','); i >= 0 {
		return dn[:i]
	}
	return dn
}

// Parent returns dn without its leftmost component; the root has no parent.
func Parent(dn string) string {
	if i := indexUnescaped(dn, ','); i >= 0 {
		return strings.TrimLeft(dn[i+1:], " ")
	}
	return ""
}

func indexUnescaped(s string, sep byte) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			return i
		}
	}
	return -1
}

// Join builds a DN from an RDN and a parent DN.
func Join(rdn, parent string) string {
	if parent == "" {
		return rdn
	}
	if rdn == "" {
		return parent
	}
	return rdn + "," + parent
}

// IsSuffix reports whether the normalized DN ndn equals or sits under the
// normalized suffix. The empty suffix contains everything.
func IsSuffix(ndn, suffix string) bool {
	if suffix == "" || ndn == suffix {
		return true
	}
	return strings.HasSuffix(ndn, ","+suffix)
}

// Rename returns the DN an entry takes after a modrdn with newRDN and an
// optional newSuperior.
func Rename(dn, newRDN, newSuperior string) string {
	parent := Parent(dn)
	if newSuperior != "" {
		parent = newSuperior
	}
	return Join(newRDN, parent)
}
