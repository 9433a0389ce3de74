package syncprov

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/directory"
	"github.com/viant/syncprov/sessionlog"
)

// Write commits op through the backend and propagates it to subscriptions.
// Writes to the same entry are matched in commit order. The context is
// honoured until the commit; after that the change is always propagated.
func (p *Provider) Write(ctx context.Context, op *directory.Op) (stamp csn.CSN, err error) {
	if op == nil {
		return "", fmt.Errorf("%w: nil op", directory.ErrInvalidOp)
	}
	if err := p.enter(); err != nil {
		return "", err
	}
	defer p.inflight.Done()

	ctx, span := tracer.Start(ctx, "syncprov.Write",
		trace.WithAttributes(attribute.String("kind", op.Kind.String()), attribute.String("dn", op.DN)))
	defer func() {
		writesTotal.WithLabelValues(op.Kind.String(), result(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("csn", string(stamp)))
		}
		span.End()
	}()

	ndn, err := op.Target()
	if err != nil {
		return "", err
	}
	release, err := p.serializer.Acquire(ctx, ndn)
	if err != nil {
		return "", err
	}
	defer release()

	// seen holds every subscription the pre-match examined; one registered
	// later is classified against old after the commit.
	var (
		old  *directory.Entry
		pre  []*Subscription
		seen map[*Subscription]bool
	)
	if op.Kind != directory.OpAdd {
		if old, err = p.backend.EntryByDN(ctx, ndn); err != nil {
			return "", err
		}
		if pre, seen, err = p.preMatch(ctx, old); err != nil {
			return "", err
		}
	}
	defer releaseAll(pre)

	if err := ctx.Err(); err != nil {
		return "", err
	}
	stamp, err = p.backend.Commit(ctx, op)
	if err != nil {
		return "", err
	}

	ctx = context.WithoutCancel(ctx)
	p.advance(stamp)
	p.postMatch(ctx, op, ndn, stamp, old, pre, seen)
	if p.slog != nil && old != nil {
		kind := sessionlog.Modify
		if op.Kind == directory.OpDelete {
			kind = sessionlog.Delete
		}
		sid, _ := stamp.SID()
		p.slog.Append(sessionlog.Entry{UUID: old.UUID, CSN: stamp, SID: sid, Kind: kind})
	}
	return stamp, nil
}

// advance moves the context CSN forward and wakes the checkpoint loop when
// a threshold is crossed.
func (p *Provider) advance(stamp csn.CSN) {
	sid, err := stamp.SID()
	if err != nil {
		p.logger.Error("commit returned invalid csn", "csn", stamp, "err", err)
		return
	}
	if _, err := p.vector.Advance(sid, stamp); err != nil {
		p.logger.Error("advance context csn", "csn", stamp, "err", err)
		return
	}
	if p.sched.Track() {
		p.sched.Trigger()
	}
}

// checkBase validates the subscription's base entry when a previous write
// touched it. The base must still exist under the same name with the same
// entryUUID.
func (p *Provider) checkBase(ctx context.Context, s *Subscription) error {
	s.mu.Lock()
	need := s.flags&(flagFindBase|flagWroteBase) != 0
	s.mu.Unlock()
	if !need {
		return nil
	}
	e, err := p.backend.EntryByDN(ctx, s.baseNDN)
	switch {
	case errors.Is(err, directory.ErrNoSuchObject):
		return ErrScopeInvalidated
	case err != nil:
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	case e.UUID != s.baseUUID:
		return ErrScopeInvalidated
	}
	s.mu.Lock()
	s.flags &^= flagFindBase | flagWroteBase
	s.mu.Unlock()
	return nil
}

// validate reports whether s may still receive changes, ending it when its
// base is gone.
func (p *Provider) validate(ctx context.Context, s *Subscription) bool {
	err := p.checkBase(ctx, s)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrScopeInvalidated):
		p.logger.Warn("subscription base changed", "sub", s.ID, "ndn", s.baseNDN)
		p.terminate(s, ErrScopeInvalidated, true)
	default:
		p.logger.Error("validate subscription base", "sub", s.ID, "err", err)
	}
	return false
}

// preMatch records which subscriptions see the entry before the write, and
// every subscription it examined. Each matched subscription carries a
// reference the caller must release.
func (p *Provider) preMatch(ctx context.Context, old *directory.Entry) ([]*Subscription, map[*Subscription]bool, error) {
	subs := p.registry.acquireAll()
	seen := make(map[*Subscription]bool, len(subs))
	var matched []*Subscription
	for i, s := range subs {
		if err := ctx.Err(); err != nil {
			releaseAll(subs[i:])
			releaseAll(matched)
			return nil, nil, err
		}
		seen[s] = true
		if p.validate(ctx, s) && s.matches(old) {
			matched = append(matched, s)
			continue
		}
		s.release()
	}
	return matched, seen, nil
}

// postMatch classifies the committed change for every subscription and
// queues the resulting records.
func (p *Provider) postMatch(ctx context.Context, op *directory.Op, ndn string, stamp csn.CSN, old *directory.Entry, pre []*Subscription, seen map[*Subscription]bool) {
	if p.registry.len() == 0 && len(pre) == 0 {
		return
	}
	sid, _ := stamp.SID()
	echo := func(s *Subscription) bool { return s.sid >= 0 && s.sid == sid }
	before := func(s *Subscription) bool {
		if seen[s] {
			return contains(pre, s)
		}
		return s.matches(old)
	}

	if op.Kind == directory.OpDelete {
		subs := p.registry.acquireAll()
		defer releaseAll(subs)
		for _, s := range subs {
			if !before(s) || echo(s) {
				continue
			}
			s.enqueue(&record{mode: StateDelete, dn: old.DN, ndn: old.NDN, uuid: old.UUID, csn: stamp, referral: p.backend.IsReferral(old)})
		}
		p.touchBase(ctx, ndn)
		return
	}

	newNDN, err := op.NewTarget()
	if err != nil {
		p.logger.Error("post-commit target", "dn", op.DN, "err", err)
		return
	}
	cur, err := p.backend.EntryByDN(ctx, newNDN)
	if err != nil {
		p.logger.Error("post-commit lookup", "ndn", newNDN, "err", err)
		return
	}
	referral := p.backend.IsReferral(cur)
	p.touchBase(ctx, ndn)

	subs := p.registry.acquireAll()
	defer releaseAll(subs)
	for _, s := range subs {
		if s.isAbandoned() {
			continue
		}
		found := before(s)
		now := s.matches(cur)
		var mode State
		switch {
		case found && now:
			mode = StateModify
		case now:
			mode = StateAdd
		case found:
			mode = StateDelete
		default:
			continue
		}
		if echo(s) {
			p.logger.Debug("change from consumer, not echoed", "sub", s.ID, "csn", stamp)
			continue
		}
		s.enqueue(&record{mode: mode, dn: cur.DN, ndn: cur.NDN, uuid: cur.UUID, csn: stamp, referral: referral})
	}
}

// touchBase revalidates subscriptions rooted at ndn after a write to it.
func (p *Provider) touchBase(ctx context.Context, ndn string) {
	for _, s := range p.registry.list() {
		if s.baseNDN != ndn {
			continue
		}
		s.mu.Lock()
		s.flags |= flagWroteBase
		s.mu.Unlock()
		p.validate(ctx, s)
	}
}

func contains(subs []*Subscription, s *Subscription) bool {
	for _, c := range subs {
		if c == s {
			return true
		}
	}
	return false
}
