package syncprov

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/viant/syncprov/cookie"
	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/directory"
	"github.com/viant/syncprov/dn"
	"github.com/viant/syncprov/filter"
	"github.com/viant/syncprov/sessionlog"
)

// Subscribe runs the refresh stage of a sync search. A refresh-only request
// returns nil after its done marker. A refresh-and-persist request returns
// the detached subscription, which keeps receiving changes until it is
// abandoned or cancelled.
func (p *Provider) Subscribe(ctx context.Context, req Request, sender Sender) (sub *Subscription, err error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: sender is required", ErrProtocol)
	}
	if err := p.enter(); err != nil {
		return nil, err
	}
	defer p.inflight.Done()

	started := time.Now()
	ctx, span := tracer.Start(ctx, "syncprov.Refresh", trace.WithAttributes(
		attribute.String("base", req.Base),
		attribute.String("scope", req.Scope.String()),
		attribute.String("mode", req.Mode.String()),
	))
	defer func() {
		refreshDuration.WithLabelValues(req.Mode.String()).Observe(time.Since(started).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r, err := p.newRefresh(ctx, req, sender)
	if err != nil {
		if !errors.Is(err, ErrProtocol) {
			_ = sender.Send(ctx, &DoneMessage{Err: err})
		}
		return nil, err
	}
	if req.Mode == RefreshAndPersist {
		r.sub = p.newSubscription(req, r.base, r.filter, r.cookie, sender)
		r.sub.refs++ // held by this refresh
		p.registry.add(r.sub)
		p.logger.Info("subscription registered", "sub", r.sub.ID, "base", r.baseNDN, "scope", req.Scope, "filter", r.filter.String())
		defer r.sub.release()
	}
	r.snapshot = p.vector.Snapshot()
	span.SetAttributes(attribute.String("snapshot", r.snapshot.String()))

	if err = r.run(ctx); err != nil {
		if r.sub != nil {
			if cause := r.sub.Err(); cause != nil {
				err = cause
			}
			p.terminate(r.sub, err, false)
			if errors.Is(err, ErrAbandoned) {
				return nil, err
			}
		}
		_ = r.send(ctx, &DoneMessage{Err: err})
		return nil, err
	}
	return r.sub, nil
}

// refresh is the state of one refresh stage.
type refresh struct {
	p        *Provider
	req      Request
	sender   Sender
	base     *directory.Entry
	baseNDN  string
	filter   filter.Filter
	cookie   *cookie.Cookie
	snapshot csn.Set
	sub      *Subscription

	changed   bool
	gotState  bool
	doPresent bool
	minCSN    csn.CSN
}

func (p *Provider) newRefresh(ctx context.Context, req Request, sender Sender) (*refresh, error) {
	if req.DerefSearching {
		return nil, fmt.Errorf("%w: illegal value for derefAliases", ErrProtocol)
	}
	if req.Mode != RefreshOnly && req.Mode != RefreshAndPersist {
		return nil, fmt.Errorf("%w: mode %d", ErrProtocol, req.Mode)
	}
	baseNDN, err := dn.Normalize(req.Base)
	if err != nil {
		return nil, fmt.Errorf("%w: base: %w", ErrProtocol, err)
	}
	text := req.Filter
	if text == "" {
		text = "(objectClass=*)"
	}
	f, err := filter.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	base, err := p.backend.EntryByDN(ctx, baseNDN)
	if err != nil {
		if errors.Is(err, directory.ErrNoSuchObject) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
	r := &refresh{p: p, req: req, sender: sender, base: base, baseNDN: baseNDN, filter: f}
	if req.Cookie != "" {
		ck, err := cookie.Parse(req.Cookie)
		if err != nil {
			p.logger.Warn("ignoring malformed cookie", "cookie", req.Cookie, "err", err)
		} else {
			ck.ReloadHint = req.ReloadHint
			r.cookie = ck
		}
	}
	return r, nil
}

func (r *refresh) send(ctx context.Context, msg Message) error {
	if r.sub != nil {
		return r.sub.send(ctx, msg)
	}
	return r.sender.Send(ctx, msg)
}

func (r *refresh) abandoned() error {
	if r.sub != nil && r.sub.isAbandoned() {
		return ErrAbandoned
	}
	return nil
}

func (r *refresh) compose(set csn.Set) string {
	rid, sid := 0, cookie.NoSID
	if r.cookie != nil {
		rid, sid = r.cookie.RID, r.cookie.SID
	}
	return cookie.Compose(rid, sid, set)
}

func (r *refresh) request(f filter.Filter) directory.SearchRequest {
	return directory.SearchRequest{Base: r.baseNDN, Scope: r.req.Scope, Filter: f}
}

func (r *refresh) run(ctx context.Context) error {
	p := r.p
	if r.cookie.HasState() {
		if len(r.snapshot) == 0 {
			return r.unchanged(ctx)
		}
		r.doPresent = !p.opts.NoPresent
		r.cookie = r.cookie.Normalize(r.snapshot)
		if !r.cookie.HasState() {
			p.logger.Warn("cookie has no known server ids", "cookie", r.req.Cookie)
			r.changed = true
			r.doPresent = false
			return r.finish(ctx)
		}
		r.minCSN = r.cookie.CSNs.Min()
		if r.cookie.CSNs.Equal(r.snapshot) {
			r.doPresent = false
			return r.unchanged(ctx)
		}
		r.changed = true

		if p.slog != nil && p.slog.Covers(r.minCSN) {
			played, err := r.playlog(ctx)
			if err != nil {
				return err
			}
			if played {
				r.doPresent = false
			}
		}
		found, err := r.findCSN(ctx)
		if err != nil {
			return err
		}
		if !found {
			if p.opts.UseHint && !r.cookie.ReloadHint {
				return ErrStaleCookie
			}
			p.logger.Info("cookie not found, full reload", "cookie", r.req.Cookie)
			r.cookie = &cookie.Cookie{RID: r.cookie.RID, SID: r.cookie.SID}
		} else {
			r.gotState = true
			if r.doPresent {
				if err := r.present(ctx); err != nil {
					return err
				}
			}
		}
	} else {
		r.changed = true
	}
	return r.finish(ctx)
}

// unchanged answers a consumer that is already up to date.
func (r *refresh) unchanged(ctx context.Context) error {
	if r.req.Mode == RefreshOnly {
		return r.send(ctx, &DoneMessage{Cookie: r.compose(r.snapshot), RefreshDeletes: true})
	}
	return r.persist(ctx)
}

// findCSN checks that the consumer's oldest CSN still resolves in the
// requested scope: first exactly, then as an upper bound.
func (r *refresh) findCSN(ctx context.Context) (bool, error) {
	found := false
	stop := func(*directory.Entry) error {
		found = true
		return directory.ErrStop
	}
	req := r.request(filter.Equality{Attr: directory.AttrEntryCSN, Value: string(r.minCSN)})
	req.SizeLimit = 1
	if err := r.p.backend.Search(ctx, req, stop); err != nil {
		return false, fmt.Errorf("%w: find csn: %w", ErrBackendUnavailable, err)
	}
	if found {
		return true, nil
	}
	req = r.request(filter.LessOrEqual{Attr: directory.AttrEntryCSN, Value: string(r.minCSN)})
	req.SizeLimit = 1
	req.AdminLimit = 1
	err := r.p.backend.Search(ctx, req, stop)
	switch {
	case errors.Is(err, directory.ErrAdminLimitExceeded):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("%w: find csn: %w", ErrBackendUnavailable, err)
	}
	return found, nil
}

// present sends the UUIDs of every entry the consumer should keep.
func (r *refresh) present(ctx context.Context) error {
	var uuids []string
	flush := func() error {
		if len(uuids) == 0 {
			return nil
		}
		err := r.send(ctx, &InfoMessage{Kind: InfoIDSet, UUIDs: uuids})
		uuids = nil
		return err
	}
	err := r.p.backend.Search(ctx, r.request(r.filter), func(e *directory.Entry) error {
		if err := r.abandoned(); err != nil {
			return err
		}
		uuids = append(uuids, e.UUID)
		if len(uuids) == sessionlog.IDSetSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return r.wrap(err)
	}
	return flush()
}

// playlog sends the deletes recorded in the session log since the cookie.
// It reports false when the log no longer covers the cookie.
func (r *refresh) playlog(ctx context.Context) (bool, error) {
	res, err := r.p.slog.Replay(ctx, r.cookie.CSNs, r.snapshot, r.alive)
	if errors.Is(err, sessionlog.ErrStaleCookie) {
		replaysTotal.WithLabelValues("stale").Inc()
		return false, nil
	}
	if err != nil {
		replaysTotal.WithLabelValues("error").Inc()
		return false, r.wrap(err)
	}
	replaysTotal.WithLabelValues("hit").Inc()
	batches := sessionlog.Batches(res.Deletes, sessionlog.IDSetSize)
	for i, batch := range batches {
		msg := &InfoMessage{Kind: InfoIDSet, RefreshDeletes: true, UUIDs: batch}
		if i == len(batches)-1 && res.DeleteCSN != "" {
			msg.Cookie = r.compose(csn.Set{res.DeleteCSN})
		}
		if err := r.send(ctx, msg); err != nil {
			return false, err
		}
	}
	return true, nil
}

// alive reports which uuids still exist and match the request.
func (r *refresh) alive(ctx context.Context, uuids []string) (map[string]bool, error) {
	out := make(map[string]bool, len(uuids))
	f := filter.And{filter.AnyOf(directory.AttrEntryUUID, uuids), r.filter}
	err := r.p.backend.Search(ctx, r.request(f), func(e *directory.Entry) error {
		out[e.UUID] = true
		return nil
	})
	return out, err
}

// finish streams the changed entries and ends the refresh stage.
func (r *refresh) finish(ctx context.Context) error {
	f := r.filter
	if r.gotState && r.changed {
		f = filter.And{filter.GreaterOrEqual{Attr: directory.AttrEntryCSN, Value: string(r.minCSN)}, r.filter}
		if r.sub != nil {
			r.sub.mu.Lock()
			r.sub.flags |= flagFixFilter
			r.sub.mu.Unlock()
		}
	}
	delta := r.p.opts.NoPresent && r.p.opts.UseHint
	err := r.p.backend.Search(ctx, r.request(f), func(e *directory.Entry) error {
		if err := r.abandoned(); err != nil {
			return err
		}
		if r.skip(e) {
			return nil
		}
		msg := &EntryMessage{
			State:    StateAdd,
			UUID:     e.UUID,
			DN:       e.DN,
			Entry:    e,
			Referral: r.p.backend.IsReferral(e),
		}
		if delta && e.CSN != "" {
			msg.Cookie = r.compose(csn.Set{e.CSN})
		}
		if r.sub != nil {
			r.sub.mu.Lock()
			if r.sub.sent != nil {
				r.sub.sent[e.UUID] = e.CSN
			}
			r.sub.mu.Unlock()
		}
		return r.send(ctx, msg)
	})
	if err != nil {
		return r.wrap(err)
	}

	if r.req.Mode == RefreshOnly {
		done := &DoneMessage{RefreshDeletes: !r.doPresent}
		if r.changed {
			done.Cookie = r.compose(r.snapshot)
		}
		return r.send(ctx, done)
	}
	return r.persist(ctx)
}

// skip filters refresh entries the consumer must not receive.
func (r *refresh) skip(e *directory.Entry) bool {
	sid, err := e.CSN.SID()
	if err != nil {
		return false
	}
	if r.cookie.HasState() && r.cookie.SID >= 0 && sid == r.cookie.SID {
		r.p.logger.Debug("entry changed by consumer, ignored", "ndn", e.NDN, "csn", e.CSN)
		return true
	}
	if v, ok := r.snapshot.Find(sid); ok && csn.Compare(e.CSN, v) > 0 {
		r.p.logger.Debug("entry newer than snapshot", "ndn", e.NDN, "csn", e.CSN, "snapshot", v)
		return true
	}
	if r.cookie.HasState() {
		if v, ok := r.cookie.CSNs.Find(sid); ok && csn.Compare(e.CSN, v) <= 0 {
			return true
		}
	}
	return false
}

// persist ends the refresh stage of a refresh-and-persist request and hands
// the subscription to the delivery pool.
func (r *refresh) persist(ctx context.Context) error {
	info := &InfoMessage{Kind: InfoRefreshDelete, RefreshDone: true}
	if r.doPresent {
		info.Kind = InfoRefreshPresent
	}
	if r.changed {
		info.Cookie = r.compose(r.snapshot)
	}
	if err := r.abandoned(); err != nil {
		return err
	}
	if err := r.send(ctx, info); err != nil {
		return err
	}
	if !r.sub.detach(r.snapshot) {
		return ErrAbandoned
	}
	r.p.logger.Info("subscription detached", "sub", r.sub.ID, "queued", r.sub.QueueLen())
	return nil
}

func (r *refresh) wrap(err error) error {
	switch {
	case errors.Is(err, ErrAbandoned), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, directory.ErrNoSuchObject):
		return ErrScopeInvalidated
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}
