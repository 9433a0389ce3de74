package csn

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Set holds at most one CSN per server id, ordered by sid. A Set is treated
// as immutable: methods that change it return a copy.
type Set []CSN

// FromValues builds a Set from CSN strings such as the values of a contextCSN
// attribute. Duplicate sids keep the greatest CSN.
func FromValues(values []string) (Set, error) {
	var s Set
	for _, v := range values {
		c, err := Parse(v)
		if err != nil {
			return nil, err
		}
		s = s.With(c)
	}
	return s, nil
}

// With returns a copy of s where the entry for c's sid is set to c unless the
// existing value is already greater or equal.
func (s Set) With(c CSN) Set {
	sid, err := c.SID()
	if err != nil {
		return s
	}
	out := make(Set, 0, len(s)+1)
	inserted := false
	for _, cur := range s {
		curSID, _ := cur.SID()
		switch {
		case curSID == sid:
			if Compare(c, cur) > 0 {
				cur = c
			}
			inserted = true
		case curSID > sid && !inserted:
			out = append(out, c)
			inserted = true
		}
		out = append(out, cur)
	}
	if !inserted {
		out = append(out, c)
	}
	return out
}

// Find returns the CSN recorded for sid.
func (s Set) Find(sid int) (CSN, bool) {
	i := sort.Search(len(s), func(i int) bool {
		v, _ := s[i].SID()
		return v >= sid
	})
	if i < len(s) {
		if v, _ := s[i].SID(); v == sid {
			return s[i], true
		}
	}
	return "", false
}

// Min returns the smallest CSN in s, or "" when s is empty.
func (s Set) Min() CSN {
	var m CSN
	for i, c := range s {
		if i == 0 || Compare(c, m) < 0 {
			m = c
		}
	}
	return m
}

// Max returns the greatest CSN in s, or "" when s is empty.
func (s Set) Max() CSN {
	var m CSN
	for _, c := range s {
		if Compare(c, m) > 0 {
			m = c
		}
	}
	return m
}

// SIDs lists the server ids present in s.
func (s Set) SIDs() []int {
	out := make([]int, 0, len(s))
	for _, c := range s {
		sid, _ := c.SID()
		out = append(out, sid)
	}
	return out
}

// Values returns the CSNs as plain strings.
func (s Set) Values() []string {
	out := make([]string, len(s))
	for i, c := range s {
		out[i] = string(c)
	}
	return out
}

// Equal reports whether s and o carry the same sids with identical CSNs.
func (s Set) Equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Restrict keeps only the entries whose sid is present in known.
func (s Set) Restrict(known Set) Set {
	var out Set
	for _, c := range s {
		sid, _ := c.SID()
		if _, ok := known.Find(sid); ok {
			out = append(out, c)
		}
	}
	return out
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	if s == nil {
		return nil
	}
	out := make(Set, len(s))
	copy(out, s)
	return out
}

func (s Set) String() string { return strings.Join(s.Values(), ";") }

// Vector is the provider's contextCSN: the latest CSN committed locally per
// server id. Readers take a Snapshot and work from it without holding the lock.
type Vector struct {
	mu  sync.RWMutex
	set Set
}

// NewVector returns a vector initialised with s.
func NewVector(s Set) *Vector { return &Vector{set: s.Clone()} }

// Snapshot returns an immutable copy of the current vector.
func (v *Vector) Snapshot() Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.set.Clone()
}

// Find returns the current CSN for sid.
func (v *Vector) Find(sid int) (CSN, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.set.Find(sid)
}

// Len returns the number of server ids tracked.
func (v *Vector) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.set)
}

// Advance moves the entry for sid forward to c. It reports whether the vector
// changed; a CSN at or below the current value is ignored.
func (v *Vector) Advance(sid int, c CSN) (bool, error) {
	got, err := c.SID()
	if err != nil {
		return false, err
	}
	if got != sid {
		return false, fmt.Errorf("csn: %s does not belong to sid %03x", c, sid)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.set.Find(sid); ok && Compare(c, cur) <= 0 {
		return false, nil
	}
	v.set = v.set.With(c)
	return true, nil
}

// Replace swaps the whole vector, used when state is loaded from storage.
func (v *Vector) Replace(s Set) {
	v.mu.Lock()
	v.set = s.Clone()
	v.mu.Unlock()
}
