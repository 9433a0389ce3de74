// Package sessionlog keeps a bounded history of recent deletes and
// modifications so a consumer whose cookie falls inside the window can catch
// up without a full present phase.
package sessionlog

import (
	"context"
	"errors"
	"sync"

	"github.com/viant/syncprov/csn"
)

// ErrStaleCookie is returned by Replay when the cookie predates the log.
var ErrStaleCookie = errors.New("sessionlog: cookie predates session log")

// IDSetSize bounds the number of UUIDs sent in one ID set.
const IDSetSize = 100

// Kind distinguishes deletes from every other tracked write.
type Kind int

const (
	Modify Kind = iota
	Delete
)

// Entry is the fingerprint of one tracked write.
type Entry struct {
	UUID string
	CSN  csn.CSN
	SID  int
	Kind Kind
}

// Liveness reports which of uuids still exist and match the subscriber's
// scope and filter.
type Liveness func(ctx context.Context, uuids []string) (map[string]bool, error)

// Log is a bounded FIFO of Entries.
type Log struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	minCSN   csn.CSN
}

// New returns a log holding at most capacity entries.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = 1
	}
	return &Log{capacity: capacity}
}

// Append adds e, evicting the oldest entry once the log is over capacity.
// Each eviction advances the watermark to the evicted CSN.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	for len(l.entries) > l.capacity {
		l.minCSN = l.entries[0].CSN
		l.entries[0] = Entry{}
		l.entries = l.entries[1:]
	}
}

// Len returns the number of entries held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Capacity returns the configured bound.
func (l *Log) Capacity() int { return l.capacity }

// MinCSN returns the watermark: cookies older than it cannot be replayed.
func (l *Log) MinCSN() csn.CSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.minCSN
}

// SetMinCSN raises the watermark, used when the provider starts with state
// the log never saw.
func (l *Log) SetMinCSN(c csn.CSN) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if csn.Compare(c, l.minCSN) > 0 {
		l.minCSN = c
	}
}

// Entries returns a copy of the log in append order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Covers reports whether a cookie whose smallest CSN is min can be replayed.
func (l *Log) Covers(min csn.CSN) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) > 0 && csn.Compare(min, l.minCSN) >= 0
}

// Result is the outcome of a replay.
type Result struct {
	// Deletes lists UUIDs the consumer must remove.
	Deletes []string
	// Alive lists modified UUIDs that still exist; the caller streams them
	// through the regular CSN-bounded search.
	Alive []string
	// DeleteCSN is the newest CSN among logged deletes.
	DeleteCSN csn.CSN
}

// Replay computes what a consumer holding cookie is missing relative to
// current. Entries the consumer already has, or that are not yet visible in
// current, are skipped. Modified entries that alive no longer reports are
// moved to the delete set.
func (l *Log) Replay(ctx context.Context, cookie, current csn.Set, alive Liveness) (*Result, error) {
	l.mu.Lock()
	if len(l.entries) == 0 || csn.Compare(cookie.Min(), l.minCSN) < 0 {
		l.mu.Unlock()
		return nil, ErrStaleCookie
	}
	entries := append([]Entry(nil), l.entries...)
	l.mu.Unlock()

	res := &Result{}
	var mods []string
	for _, e := range entries {
		if known, ok := cookie.Find(e.SID); ok && csn.Compare(e.CSN, known) <= 0 {
			continue
		}
		if visible, ok := current.Find(e.SID); ok && csn.Compare(e.CSN, visible) > 0 {
			break
		}
		if e.Kind == Delete {
			res.Deletes = append(res.Deletes, e.UUID)
			if csn.Compare(e.CSN, res.DeleteCSN) > 0 {
				res.DeleteCSN = e.CSN
			}
			continue
		}
		mods = append(mods, e.UUID)
	}

	deleted := make(map[string]bool, len(res.Deletes))
	for _, u := range res.Deletes {
		deleted[u] = true
	}
	seen := map[string]bool{}
	var pending []string
	for _, u := range mods {
		if deleted[u] || seen[u] {
			continue
		}
		seen[u] = true
		pending = append(pending, u)
	}
	if len(pending) == 0 {
		return res, nil
	}
	if alive == nil {
		res.Alive = pending
		return res, nil
	}
	present, err := alive(ctx, pending)
	if err != nil {
		return nil, err
	}
	for _, u := range pending {
		if present[u] {
			res.Alive = append(res.Alive, u)
		} else {
			res.Deletes = append(res.Deletes, u)
		}
	}
	return res, nil
}

// Batches splits uuids into consecutive groups of at most size.
func Batches(uuids []string, size int) [][]string {
	if size <= 0 {
		size = IDSetSize
	}
	var out [][]string
	for len(uuids) > 0 {
		n := min(size, len(uuids))
		out = append(out, uuids[:n])
		uuids = uuids[n:]
	}
	return out
}
