package syncprov

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// registry is the non-owning index of live subscriptions.
type registry struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (r *registry) add(s *Subscription) {
	r.mu.Lock()
	r.subs = append(r.subs, s)
	r.mu.Unlock()
}

func (r *registry) remove(s *Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.subs {
		if c == s {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return true
		}
	}
	return false
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *registry) list() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Subscription(nil), r.subs...)
}

// acquireAll returns every live subscription with a reference held on each.
func (r *registry) acquireAll() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		if s.acquire() {
			out = append(out, s)
		}
	}
	return out
}

func releaseAll(subs []*Subscription) {
	for _, s := range subs {
		s.release()
	}
}

// pool runs delivery tasks with bounded concurrency. Scheduling never blocks
// the caller.
type pool struct {
	g     errgroup.Group
	tasks sync.WaitGroup
}

func newPool(workers int) *pool {
	p := &pool{}
	p.g.SetLimit(workers)
	return p
}

func (p *pool) schedule(fn func()) {
	p.tasks.Add(1)
	task := func() error {
		defer p.tasks.Done()
		fn()
		return nil
	}
	if !p.g.TryGo(task) {
		go p.g.Go(task)
	}
}

func (p *pool) wait() { p.tasks.Wait() }
