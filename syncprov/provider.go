package syncprov

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/viant/syncprov/checkpoint"
	"github.com/viant/syncprov/cookie"
	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/directory"
	"github.com/viant/syncprov/dn"
	"github.com/viant/syncprov/filter"
	"github.com/viant/syncprov/serializer"
	"github.com/viant/syncprov/sessionlog"
)

// Provider tracks the context CSN of one naming context and serves sync
// searches against it.
type Provider struct {
	opts    Options
	suffix  string
	backend directory.Backend
	store   checkpoint.Store
	logger  *slog.Logger

	vector     *csn.Vector
	serializer *serializer.Serializer
	registry   registry
	slog       *sessionlog.Log
	sched      *checkpoint.Scheduler
	pool       *pool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Open loads the context CSN for opts.Suffix from store, catches up with
// entries written after the last checkpoint and starts the checkpoint loop.
func Open(ctx context.Context, backend directory.Backend, store checkpoint.Store, opts Options) (*Provider, error) {
	if backend == nil || store == nil {
		return nil, fmt.Errorf("syncprov: backend and store are required")
	}
	if err := opts.init(); err != nil {
		return nil, err
	}
	suffix, err := dn.Normalize(opts.Suffix)
	if err != nil {
		return nil, fmt.Errorf("syncprov: suffix: %w", err)
	}
	set, err := store.Load(ctx, suffix)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: load context csn: %w", ErrBackendUnavailable, err)
	}

	root, cancel := context.WithCancel(context.Background())
	p := &Provider{
		opts:       opts,
		suffix:     suffix,
		backend:    backend,
		store:      store,
		logger:     opts.Logger.With("suffix", suffix),
		vector:     csn.NewVector(set),
		serializer: serializer.New(),
		pool:       newPool(opts.Workers),
		ctx:        root,
		cancel:     cancel,
	}
	p.sched = checkpoint.NewScheduler(opts.Checkpoint, p.saveContext, p.logger)

	if len(set) > 0 {
		if err := p.findMaxCSN(ctx); err != nil {
			cancel()
			return nil, err
		}
	} else {
		c := csn.New(opts.Now(), 0, opts.ServerID, 0)
		if _, err := p.vector.Advance(opts.ServerID, c); err != nil {
			cancel()
			return nil, err
		}
		p.sched.MarkPending()
		p.logger.Info("generated context csn", "csn", c)
	}
	if opts.SessionLogSize > 0 {
		p.slog = sessionlog.New(opts.SessionLogSize)
		p.slog.SetMinCSN(p.vector.Snapshot().Max())
	}
	p.sched.Start(root)
	p.logger.Info("provider opened", "contextCSN", p.vector.Snapshot().String())
	return p, nil
}

// findMaxCSN advances the local sid past entries committed after the last
// checkpoint.
func (p *Provider) findMaxCSN(ctx context.Context) error {
	local, ok := p.vector.Find(p.opts.ServerID)
	if !ok {
		// none of the content originated here
		return nil
	}
	maxCSN := local
	var err error
	if finder, ok := p.backend.(directory.MaxCSNFinder); ok {
		var found csn.CSN
		if found, err = finder.MaxCSN(ctx, p.suffix, p.opts.ServerID); err == nil && csn.Compare(found, maxCSN) > 0 {
			maxCSN = found
		}
	} else {
		req := directory.SearchRequest{
			Base:   p.suffix,
			Scope:  dn.ScopeSub,
			Filter: filter.GreaterOrEqual{Attr: directory.AttrEntryCSN, Value: string(local)},
		}
		err = p.backend.Search(ctx, req, func(e *directory.Entry) error {
			if sid, err := e.CSN.SID(); err == nil && sid == p.opts.ServerID && csn.Compare(e.CSN, maxCSN) > 0 {
				maxCSN = e.CSN
			}
			return nil
		})
	}
	if err != nil && !errors.Is(err, directory.ErrNoSuchObject) {
		return fmt.Errorf("%w: find max csn: %w", ErrBackendUnavailable, err)
	}
	if maxCSN != local {
		if _, err := p.vector.Advance(p.opts.ServerID, maxCSN); err != nil {
			return err
		}
		p.sched.MarkPending()
		p.logger.Info("context csn advanced from entries", "csn", maxCSN)
	}
	return nil
}

// Close abandons every subscription, waits for delivery to stop and
// checkpoints the context CSN if it changed since the last checkpoint.
func (p *Provider) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	for _, s := range p.registry.list() {
		p.Abandon(s)
	}
	p.inflight.Wait()
	for _, s := range p.registry.list() {
		p.Abandon(s)
	}
	p.sched.Stop()
	p.cancel()
	p.pool.wait()

	var err error
	if p.sched.Pending() {
		err = p.sched.Checkpoint(ctx)
	}
	p.logger.Info("provider closed", "contextCSN", p.vector.Snapshot().String(), "err", err)
	return err
}

func (p *Provider) enter() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.inflight.Add(1)
	return nil
}

// ContextCSN returns the current contextCSN of the suffix.
func (p *Provider) ContextCSN() csn.Set { return p.vector.Snapshot() }

// Suffix returns the normalized naming context.
func (p *Provider) Suffix() string { return p.suffix }

// Checkpoint writes the context CSN now.
func (p *Provider) Checkpoint(ctx context.Context) error { return p.sched.Checkpoint(ctx) }

// Subscriptions lists the registered subscriptions.
func (p *Provider) Subscriptions() []*Subscription { return p.registry.list() }

// SessionLog returns the session log, or nil when it is disabled.
func (p *Provider) SessionLog() *sessionlog.Log { return p.slog }

// Writes returns the per-entry write serializer.
func (p *Provider) Writes() *serializer.Serializer { return p.serializer }

func (p *Provider) saveContext(ctx context.Context) (err error) {
	set := p.vector.Snapshot()
	ctx, span := tracer.Start(ctx, "syncprov.Checkpoint",
		trace.WithAttributes(attribute.String("contextCSN", set.String())))
	defer func() {
		checkpointsTotal.WithLabelValues(result(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	if err = p.store.Save(ctx, p.suffix, set); err != nil {
		return fmt.Errorf("%w: checkpoint: %w", ErrBackendUnavailable, err)
	}
	p.logger.Info("checkpoint", "contextCSN", set.String())
	return nil
}

func (p *Provider) schedule(fn func()) { p.pool.schedule(fn) }

// Abandon silently ends s. Records still queued are dropped.
func (p *Provider) Abandon(s *Subscription) { p.terminate(s, nil, false) }

// Cancel ends s and sends the consumer a done marker carrying ErrCancelled.
func (p *Provider) Cancel(s *Subscription) { p.terminate(s, ErrCancelled, true) }

// terminate removes s from the registry and releases the issuing request's
// reference. A detached subscription is released from the delivery pool.
func (p *Provider) terminate(s *Subscription, cause error, notify bool) {
	if s == nil {
		return
	}
	p.registry.remove(s)
	s.mu.Lock()
	if s.abandoned {
		s.mu.Unlock()
		return
	}
	s.abandoned = true
	s.err = cause
	s.queue = nil
	detached := s.flags&flagDetached != 0
	s.mu.Unlock()
	// unblocks a delivery stuck in Send so its reference is dropped
	s.cancel()

	p.logger.Info("subscription ended", "sub", s.ID, "err", cause)
	if !detached {
		// the refresh still owns the request; it reports the cause
		s.releaseInitial()
		return
	}
	p.schedule(func() {
		if notify {
			if err := s.send(context.WithoutCancel(s.ctx), &DoneMessage{Err: cause}); err != nil {
				p.logger.Debug("done marker not delivered", "sub", s.ID, "err", err)
			}
		}
		s.releaseInitial()
	})
}

// deliver sends one queued record. Records for entries that no longer exist
// are skipped.
func (p *Provider) deliver(s *Subscription, rec *record) error {
	msg := &EntryMessage{
		State:    rec.mode,
		UUID:     rec.uuid,
		DN:       rec.dn,
		Referral: rec.referral,
	}
	if rec.csn != "" {
		msg.Cookie = cookie.Compose(s.rid, s.sid, csn.Set{rec.csn})
	}
	if rec.mode != StateDelete {
		e, err := p.backend.EntryByDN(s.ctx, rec.ndn)
		if err != nil {
			p.logger.Debug("queued entry unavailable, ignoring", "sub", s.ID, "ndn", rec.ndn, "err", err)
			return nil
		}
		msg.Entry = e
		msg.DN = e.DN
	}
	p.logger.Debug("deliver", "sub", s.ID, "mode", rec.mode, "ndn", rec.ndn, "csn", rec.csn)
	return s.send(s.ctx, msg)
}
