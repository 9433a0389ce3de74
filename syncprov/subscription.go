package syncprov

import (
	"context"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/viant/syncprov/cookie"
	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/directory"
	"github.com/viant/syncprov/dn"
	"github.com/viant/syncprov/filter"
)

type flag uint8

const (
	flagRefreshing flag = 1 << iota
	flagDetached
	flagWroteBase
	flagFindBase
	flagFixFilter
)

func (f flag) String() string {
	var names []string
	for _, n := range []struct {
		f    flag
		name string
	}{
		{flagRefreshing, "refreshing"},
		{flagDetached, "detached"},
		{flagWroteBase, "wroteBase"},
		{flagFindBase, "findBase"},
		{flagFixFilter, "fixFilter"},
	} {
		if f&n.f != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// record is a queued change for one subscription.
type record struct {
	mode     State
	dn       string
	ndn      string
	uuid     string
	csn      csn.CSN
	referral bool
}

// Subscription is a live refresh-and-persist search. It stays alive while
// anything holds a reference: the issuing request until it is abandoned, each
// write operation that matched it, and its delivery task.
type Subscription struct {
	// ID identifies the subscription in logs and admin listings.
	ID string

	p        *Provider
	base     string
	baseNDN  string
	baseUUID string
	scope    dn.Scope
	filter   filter.Filter
	rid      int
	sid      int
	sender   Sender

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	flags     flag
	refs      int
	queue     []*record
	running   bool
	abandoned bool
	err       error
	sent      map[string]csn.CSN

	sendMu         sync.Mutex
	releaseInitial func()
	done           chan struct{}
}

func (p *Provider) newSubscription(req Request, base *directory.Entry, f filter.Filter, ck *cookie.Cookie, sender Sender) *Subscription {
	ctx, cancel := context.WithCancel(p.ctx)
	s := &Subscription{
		ID:       ulid.Make().String(),
		p:        p,
		base:     base.DN,
		baseNDN:  base.NDN,
		baseUUID: base.UUID,
		scope:    req.Scope,
		filter:   f,
		rid:      0,
		sid:      cookie.NoSID,
		sender:   sender,
		ctx:      ctx,
		cancel:   cancel,
		flags:    flagRefreshing,
		refs:     1,
		sent:     map[string]csn.CSN{},
		done:     make(chan struct{}),
	}
	if ck != nil {
		s.rid, s.sid = ck.RID, ck.SID
	}
	s.releaseInitial = sync.OnceFunc(s.release)
	activeSubscriptions.Inc()
	return s
}

// Done is closed once the subscription is torn down.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: nil after Abandon, ErrCancelled
// after Cancel, ErrScopeInvalidated or a delivery error otherwise.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// QueueLen returns the number of undelivered records.
func (s *Subscription) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Refs returns the current reference count.
func (s *Subscription) Refs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Base returns the presentation DN of the search base.
func (s *Subscription) Base() string { return s.base }

// Scope returns the search scope.
func (s *Subscription) Scope() dn.Scope { return s.scope }

// Filter returns the consumer's filter.
func (s *Subscription) Filter() string { return s.filter.String() }

// Flags returns a readable form of the lifecycle flags.
func (s *Subscription) Flags() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flags.String()
}

func (s *Subscription) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs <= 0 || s.abandoned {
		return false
	}
	s.refs++
	return true
}

func (s *Subscription) release() {
	s.mu.Lock()
	if s.refs <= 0 {
		s.mu.Unlock()
		return
	}
	s.refs--
	if s.refs > 0 {
		s.mu.Unlock()
		return
	}
	s.queue = nil
	s.sent = nil
	s.mu.Unlock()

	s.cancel()
	close(s.done)
	activeSubscriptions.Dec()
	s.p.logger.Debug("subscription freed", "sub", s.ID)
}

func (s *Subscription) isAbandoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.abandoned
}

func (s *Subscription) matches(e *directory.Entry) bool {
	return e != nil && dn.InScope(e.NDN, s.baseNDN, s.scope) && s.filter.Match(e)
}

func (s *Subscription) send(ctx context.Context, msg Message) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sender.Send(ctx, msg)
}

// enqueue appends rec and, once detached, makes sure a delivery task runs.
func (s *Subscription) enqueue(rec *record) {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, rec)
	if s.flags&flagWroteBase != 0 {
		s.flags &^= flagWroteBase
		s.flags |= flagFindBase
	}
	start := s.startLocked()
	s.mu.Unlock()

	queuedTotal.WithLabelValues(rec.mode.String()).Inc()
	if start {
		s.p.schedule(s.play)
	}
}

// startLocked claims the delivery task slot and its reference.
func (s *Subscription) startLocked() bool {
	if s.flags&flagDetached == 0 || s.running || len(s.queue) == 0 {
		return false
	}
	s.running = true
	s.refs++
	return true
}

// play drains the queue in FIFO order. It runs on the delivery pool and
// holds one reference for its lifetime.
func (s *Subscription) play() {
	defer s.release()
	for {
		s.mu.Lock()
		if s.abandoned || len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		rec := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.p.deliver(s, rec); err != nil {
			s.mu.Lock()
			s.running = false
			abandoned := s.abandoned
			s.mu.Unlock()
			if abandoned {
				return
			}
			deliveriesTotal.WithLabelValues("error").Inc()
			s.p.logger.Warn("delivery failed", "sub", s.ID, "err", err)
			s.p.terminate(s, err, false)
			return
		}
		deliveriesTotal.WithLabelValues("ok").Inc()
	}
}

// detach ends the refresh stage. Records already covered by the refresh
// snapshot are dropped so no change is delivered twice.
func (s *Subscription) detach(snapshot csn.Set) bool {
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return false
	}
	s.flags &^= flagRefreshing | flagFixFilter
	s.flags |= flagDetached
	s.queue = dedupe(s.queue, snapshot, s.sent)
	s.sent = nil
	start := s.startLocked()
	s.mu.Unlock()

	if start {
		s.p.schedule(s.play)
	}
	return true
}

// dedupe filters records queued during the refresh. A record whose CSN is
// within the snapshot describes state the refresh already reported, except
// for the final delete of an entry the refresh did not send.
func dedupe(queue []*record, snapshot csn.Set, sent map[string]csn.CSN) []*record {
	covered := func(r *record) bool {
		sid, err := r.csn.SID()
		if err != nil {
			return false
		}
		v, ok := snapshot.Find(sid)
		return ok && csn.Compare(r.csn, v) <= 0
	}
	last := map[string]int{}
	for i, r := range queue {
		if covered(r) {
			last[r.uuid] = i
		}
	}
	out := queue[:0]
	for i, r := range queue {
		if c, ok := sent[r.uuid]; ok && c == r.csn {
			continue
		}
		if covered(r) {
			_, wasSent := sent[r.uuid]
			if last[r.uuid] != i || r.mode != StateDelete || wasSent {
				continue
			}
		}
		out = append(out, r)
	}
	for i := len(out); i < len(queue); i++ {
		queue[i] = nil
	}
	return out
}
