// Package serializer provides per-entry mutual exclusion for the write path.
// Writers targeting the same normalized DN queue in FIFO order; only the head
// of a queue may proceed, so no two in-flight writes to one entry are matched
// against subscriptions at the same time.
package serializer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// ErrAbandoned is returned when a waiting writer's context ends before it
// reaches the head of its queue.
var ErrAbandoned = errors.New("serializer: abandoned while waiting")

type waiter struct {
	ready chan struct{}
}

type target struct {
	ndn   string
	queue []*waiter
}

// Serializer maps normalized DNs to their FIFO of writers.
type Serializer struct {
	mu      sync.Mutex
	targets *treemap.Map
}

// New returns an empty Serializer.
func New() *Serializer {
	return &Serializer{targets: treemap.NewWithStringComparator()}
}

// Acquire queues the caller behind any writer already targeting ndn and
// blocks until it is at the head. The returned release must be called once
// the write is finished; it hands the slot to the next writer.
func (s *Serializer) Acquire(ctx context.Context, ndn string) (func(), error) {
	w := &waiter{ready: make(chan struct{})}

	s.mu.Lock()
	var t *target
	if v, ok := s.targets.Get(ndn); ok {
		t = v.(*target)
	} else {
		t = &target{ndn: ndn}
		s.targets.Put(ndn, t)
	}
	t.queue = append(t.queue, w)
	if len(t.queue) == 1 {
		close(w.ready)
	}
	s.mu.Unlock()

	release := func() { s.release(t, w) }
	select {
	case <-w.ready:
		return sync.OnceFunc(release), nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	select {
	case <-w.ready:
		// promoted while we were cancelled; hand the slot on
		s.mu.Unlock()
		release()
	default:
		s.remove(t, w)
		s.mu.Unlock()
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrAbandoned, ndn, ctx.Err())
}

func (s *Serializer) release(t *target, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(t, w)
}

// remove drops w from t's queue, promotes the new head and forgets t once
// empty. Callers hold s.mu.
func (s *Serializer) remove(t *target, w *waiter) {
	for i, cur := range t.queue {
		if cur != w {
			continue
		}
		wasHead := i == 0
		t.queue = append(t.queue[:i], t.queue[i+1:]...)
		if wasHead && len(t.queue) > 0 {
			close(t.queue[0].ready)
		}
		break
	}
	if len(t.queue) == 0 {
		if v, ok := s.targets.Get(t.ndn); ok && v.(*target) == t {
			s.targets.Remove(t.ndn)
		}
	}
}

// Len returns the number of DNs with writers in flight.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets.Size()
}

// Waiting returns the number of writers queued on ndn, including the head.
func (s *Serializer) Waiting(ndn string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.targets.Get(ndn); ok {
		return len(v.(*target).queue)
	}
	return 0
}

// Targets lists the DNs with writers in flight, in DN order.
func (s *Serializer) Targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.targets.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.(string)
	}
	return out
}
