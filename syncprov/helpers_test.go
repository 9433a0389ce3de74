package syncprov

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viant/syncprov/checkpoint"
	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/directory"
	"github.com/viant/syncprov/engine"
)

const (
	suffix = "dc=example,dc=com"
	people = "ou=People,dc=example,dc=com"
)

type fixture struct {
	db      *sql.DB
	backend *directory.SQLiteBackend
	store   *checkpoint.SQLiteStore
	p       *Provider
	// last is the CSN of the most recent seeded write.
	last csn.CSN
}

// newBackend returns a SQLite backend seeded with a suffix, two containers
// and two people.
func newBackend(t *testing.T) *fixture {
	t.Helper()
	db, err := engine.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	backend, err := directory.NewSQLiteBackend(db, directory.Options{SID: 1, Suffix: suffix})
	require.NoError(t, err)
	store, err := checkpoint.NewSQLiteStore(db, "")
	require.NoError(t, err)

	f := &fixture{db: db, backend: backend, store: store}
	for _, op := range []*directory.Op{
		{Kind: directory.OpAdd, DN: suffix, Attrs: map[string][]string{"objectClass": {"domain"}}},
		{Kind: directory.OpAdd, DN: people, Attrs: map[string][]string{"objectClass": {"organizationalUnit"}}},
		{Kind: directory.OpAdd, DN: "ou=Groups,dc=example,dc=com", Attrs: map[string][]string{"objectClass": {"organizationalUnit"}}},
		{Kind: directory.OpAdd, DN: "cn=Alice," + people, Attrs: map[string][]string{"objectClass": {"person"}, "sn": {"Liddell"}}},
		{Kind: directory.OpAdd, DN: "cn=Bob," + people, Attrs: map[string][]string{"objectClass": {"person"}, "sn": {"Builder"}}},
	} {
		f.last, err = backend.Commit(context.Background(), op)
		require.NoError(t, err)
	}
	return f
}

// newFixture seeds a backend and opens a provider over it.
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	f := newBackend(t)
	f.open(t, opts)
	return f
}

func (f *fixture) open(t *testing.T, opts Options) {
	t.Helper()
	opts.Suffix = suffix
	opts.ServerID = 1
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p, err := Open(context.Background(), f.backend, f.store, opts)
	require.NoError(t, err)
	f.p = p
	t.Cleanup(func() { _ = p.Close(context.Background()) })
}

func (f *fixture) write(t *testing.T, op *directory.Op) csn.CSN {
	t.Helper()
	stamp, err := f.p.Write(context.Background(), op)
	require.NoError(t, err)
	return stamp
}

func (f *fixture) entry(t *testing.T, ndn string) *directory.Entry {
	t.Helper()
	e, err := f.backend.EntryByDN(context.Background(), ndn)
	require.NoError(t, err)
	return e
}

func add(dn string, attrs map[string][]string) *directory.Op {
	return &directory.Op{Kind: directory.OpAdd, DN: dn, Attrs: attrs}
}

func replace(dn, attr string, values ...string) *directory.Op {
	return &directory.Op{Kind: directory.OpModify, DN: dn, Mods: []directory.Mod{{Type: directory.ModReplace, Attr: attr, Values: values}}}
}

func del(dn string) *directory.Op {
	return &directory.Op{Kind: directory.OpDelete, DN: dn}
}

func person(sn string) map[string][]string {
	return map[string][]string{"objectClass": {"person"}, "sn": {sn}}
}

// recorder is a Sender collecting every message. During the refresh stage
// hook sees each message before it is recorded. After it, entry messages
// wait for block to close when it is set, or fail with fail.
type recorder struct {
	mu       sync.Mutex
	msgs     []Message
	detached bool
	hook     func(Message)
	block    chan struct{}
	fail     error
}

func (r *recorder) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	detached, hook, block, fail := r.detached, r.hook, r.block, r.fail
	if info, ok := msg.(*InfoMessage); ok && info.RefreshDone {
		r.detached = true
	}
	r.mu.Unlock()

	if hook != nil && !detached {
		hook(msg)
	}

	if _, ok := msg.(*EntryMessage); ok && detached {
		if fail != nil {
			return fail
		}
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) failWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

func (r *recorder) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func (r *recorder) entries() []*EntryMessage {
	var out []*EntryMessage
	for _, m := range r.messages() {
		if e, ok := m.(*EntryMessage); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) infos() []*InfoMessage {
	var out []*InfoMessage
	for _, m := range r.messages() {
		if i, ok := m.(*InfoMessage); ok {
			out = append(out, i)
		}
	}
	return out
}

func (r *recorder) done() *DoneMessage {
	for _, m := range r.messages() {
		if d, ok := m.(*DoneMessage); ok {
			return d
		}
	}
	return nil
}

// persisted returns the entry messages sent after the refresh stage.
func (r *recorder) persisted() []*EntryMessage {
	var out []*EntryMessage
	after := false
	for _, m := range r.messages() {
		switch v := m.(type) {
		case *InfoMessage:
			if v.RefreshDone {
				after = true
			}
		case *EntryMessage:
			if after {
				out = append(out, v)
			}
		}
	}
	return out
}

func (r *recorder) waitPersisted(t *testing.T, n int) []*EntryMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.persisted()) >= n }, 5*time.Second, 5*time.Millisecond,
		"expected %d persisted entries", n)
	return r.persisted()
}

func uuids(msgs []*EntryMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.UUID)
	}
	return out
}

func states(msgs []*EntryMessage) []State {
	out := make([]State, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.State)
	}
	return out
}

func waitDone(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription %s not freed, refs=%d", s.ID, s.Refs())
	}
}
