package dn

import (
	"fmt"
	"strings"
)

// Scope is a search scope relative to a base DN.
type Scope int

const (
	ScopeBase Scope = iota
	ScopeOne
	ScopeSub
	ScopeChildren
)

func (s Scope) String() string {
	switch s {
	case ScopeBase:
		return "base"
	case ScopeOne:
		return "one"
	case ScopeSub:
		return "sub"
	case ScopeChildren:
		return "children"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ParseScope accepts the usual spellings of a scope.
func ParseScope(s string) (Scope, error) {
	switch strings.ToLower(s) {
	case "base":
		return ScopeBase, nil
	case "one", "onelevel":
		return ScopeOne, nil
	case "sub", "subtree":
		return ScopeSub, nil
	case "children", "subordinate":
		return ScopeChildren, nil
	}
	return 0, fmt.Errorf("dn: unknown scope %q", s)
}

// InScope reports whether the normalized DN ndn falls in scope of base.
func InScope(ndn, base string, scope Scope) bool {
	switch scope {
	case ScopeBase:
		return ndn == base
	case ScopeOne:
		return ndn != base && Parent(ndn) == base
	case ScopeSub:
		return IsSuffix(ndn, base)
	case ScopeChildren:
		return ndn != base && IsSuffix(ndn, base)
	}
	return false
}
