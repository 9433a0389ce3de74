package syncprov

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/syncprov/cookie"
	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/directory"
	"github.com/viant/syncprov/dn"
	"github.com/viant/syncprov/sessionlog"
)

func refreshPeople(ck string) Request {
	return Request{Base: people, Scope: dn.ScopeOne, Filter: "(objectClass=person)", Cookie: ck, Mode: RefreshOnly}
}

// refreshTree covers the containers too, so the cookie's CSN still resolves
// after every person has changed.
func refreshTree(ck string) Request {
	return Request{Base: suffix, Scope: dn.ScopeSub, Filter: "(objectClass=person)", Cookie: ck, Mode: RefreshOnly}
}

func TestSubscribe_FullRefresh(t *testing.T) {
	f := newFixture(t, Options{})
	rec := &recorder{}
	sub, err := f.p.Subscribe(context.Background(), Request{Base: suffix, Scope: dn.ScopeSub, Filter: "(objectClass=person)", Mode: RefreshOnly}, rec)
	require.NoError(t, err)
	assert.Nil(t, sub)

	entries := rec.entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "cn=Alice,ou=People,dc=example,dc=com", entries[0].DN)
	assert.Equal(t, "cn=Bob,ou=People,dc=example,dc=com", entries[1].DN)
	for _, e := range entries {
		assert.Equal(t, StateAdd, e.State)
		assert.NotNil(t, e.Entry)
		assert.Empty(t, e.Cookie)
	}
	done := rec.done()
	require.NotNil(t, done)
	assert.NoError(t, done.Err)
	assert.Equal(t, cookie.Compose(0, cookie.NoSID, f.p.ContextCSN()), done.Cookie)
	assert.True(t, done.RefreshDeletes)
	assert.Empty(t, f.p.Subscriptions())
}

func TestSubscribe_UnchangedCookie(t *testing.T) {
	f := newFixture(t, Options{})
	rec := &recorder{}
	ck := cookie.Compose(5, cookie.NoSID, f.p.ContextCSN())
	_, err := f.p.Subscribe(context.Background(), refreshPeople(ck), rec)
	require.NoError(t, err)

	msgs := rec.messages()
	require.Len(t, msgs, 1)
	done := rec.done()
	require.NotNil(t, done)
	assert.Equal(t, ck, done.Cookie)
	assert.True(t, done.RefreshDeletes)
}

func TestSubscribe_PresentPhase(t *testing.T) {
	f := newFixture(t, Options{})
	ck := cookie.Compose(1, cookie.NoSID, f.p.ContextCSN())
	alice := f.entry(t, "cn=alice,ou=people,dc=example,dc=com")
	bob := f.entry(t, "cn=bob,ou=people,dc=example,dc=com")

	f.write(t, replace("cn=Bob,"+people, "sn", "Dylan"))
	f.write(t, add("cn=Dave,"+people, person("Bowman")))
	dave := f.entry(t, "cn=dave,ou=people,dc=example,dc=com")

	rec := &recorder{}
	_, err := f.p.Subscribe(context.Background(), refreshPeople(ck), rec)
	require.NoError(t, err)

	infos := rec.infos()
	require.Len(t, infos, 1)
	assert.Equal(t, InfoIDSet, infos[0].Kind)
	assert.False(t, infos[0].RefreshDeletes)
	assert.Empty(t, infos[0].Cookie)
	assert.Equal(t, []string{alice.UUID, bob.UUID, dave.UUID}, infos[0].UUIDs)

	// only the entries changed since the cookie
	assert.Equal(t, []string{bob.UUID, dave.UUID}, uuids(rec.entries()))

	done := rec.done()
	require.NotNil(t, done)
	assert.False(t, done.RefreshDeletes)
	assert.Equal(t, cookie.Compose(1, cookie.NoSID, f.p.ContextCSN()), done.Cookie)
}

func TestSubscribe_PresentBatches(t *testing.T) {
	f := newFixture(t, Options{})
	ck := cookie.Compose(1, cookie.NoSID, f.p.ContextCSN())
	for i := 0; i < sessionlog.IDSetSize+5; i++ {
		f.write(t, add("cn=u"+string(rune('a'+i/26))+string(rune('a'+i%26))+","+people, person("Batch")))
	}
	rec := &recorder{}
	_, err := f.p.Subscribe(context.Background(), refreshPeople(ck), rec)
	require.NoError(t, err)
	infos := rec.infos()
	require.Len(t, infos, 2)
	assert.Len(t, infos[0].UUIDs, sessionlog.IDSetSize)
	assert.Len(t, infos[1].UUIDs, 2+5)
	assert.Len(t, rec.entries(), sessionlog.IDSetSize+5)
}

func TestSubscribe_StaleCookie(t *testing.T) {
	ancient := cookie.Compose(1, cookie.NoSID, csn.Set{csn.New(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC), 0, 1, 0)})

	t.Run("hint required", func(t *testing.T) {
		f := newFixture(t, Options{UseHint: true})
		rec := &recorder{}
		_, err := f.p.Subscribe(context.Background(), refreshPeople(ancient), rec)
		require.ErrorIs(t, err, ErrStaleCookie)
		assert.Empty(t, rec.entries())
		done := rec.done()
		require.NotNil(t, done)
		assert.ErrorIs(t, done.Err, ErrStaleCookie)
	})

	t.Run("reload hint", func(t *testing.T) {
		f := newFixture(t, Options{UseHint: true})
		rec := &recorder{}
		req := refreshPeople(ancient)
		req.ReloadHint = true
		_, err := f.p.Subscribe(context.Background(), req, rec)
		require.NoError(t, err)
		assert.Len(t, rec.entries(), 2)
		require.NotNil(t, rec.done())
		assert.Equal(t, cookie.Compose(1, cookie.NoSID, f.p.ContextCSN()), rec.done().Cookie)
	})

	t.Run("no hint policy", func(t *testing.T) {
		f := newFixture(t, Options{})
		rec := &recorder{}
		_, err := f.p.Subscribe(context.Background(), refreshPeople(ancient), rec)
		require.NoError(t, err)
		assert.Len(t, rec.entries(), 2)
	})
}

func TestSubscribe_SessionLogReplay(t *testing.T) {
	f := newFixture(t, Options{SessionLogSize: 10})
	ck := cookie.Compose(1, cookie.NoSID, f.p.ContextCSN())
	alice := f.entry(t, "cn=alice,ou=people,dc=example,dc=com")
	bob := f.entry(t, "cn=bob,ou=people,dc=example,dc=com")

	deleted := f.write(t, del("cn=Bob,"+people))
	f.write(t, replace("cn=Alice,"+people, "sn", "Hargreaves"))
	f.write(t, add("cn=Carol,"+people, person("Lewis")))
	carol := f.entry(t, "cn=carol,ou=people,dc=example,dc=com")

	rec := &recorder{}
	_, err := f.p.Subscribe(context.Background(), refreshTree(ck), rec)
	require.NoError(t, err)

	infos := rec.infos()
	require.Len(t, infos, 1)
	assert.Equal(t, InfoIDSet, infos[0].Kind)
	assert.True(t, infos[0].RefreshDeletes)
	assert.Equal(t, []string{bob.UUID}, infos[0].UUIDs)
	assert.Equal(t, cookie.Compose(1, cookie.NoSID, csn.Set{deleted}), infos[0].Cookie)

	assert.Equal(t, []string{alice.UUID, carol.UUID}, uuids(rec.entries()))
	done := rec.done()
	require.NotNil(t, done)
	assert.True(t, done.RefreshDeletes)
}

func TestSubscribe_SessionLogTooShort(t *testing.T) {
	f := newFixture(t, Options{SessionLogSize: 10})
	// older than anything the log has seen
	ck := cookie.Compose(1, cookie.NoSID, csn.Set{f.last})
	f.write(t, del("cn=Alice,"+people))

	rec := &recorder{}
	_, err := f.p.Subscribe(context.Background(), refreshPeople(ck), rec)
	require.NoError(t, err)
	infos := rec.infos()
	require.Len(t, infos, 1)
	assert.False(t, infos[0].RefreshDeletes, "falls back to a present phase")
	bob := f.entry(t, "cn=bob,ou=people,dc=example,dc=com")
	assert.Equal(t, []string{bob.UUID}, infos[0].UUIDs)
}

func TestSubscribe_DeltaCookies(t *testing.T) {
	f := newFixture(t, Options{NoPresent: true, UseHint: true})
	rec := &recorder{}
	_, err := f.p.Subscribe(context.Background(), refreshPeople(""), rec)
	require.NoError(t, err)
	entries := rec.entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, cookie.Compose(0, cookie.NoSID, csn.Set{e.Entry.CSN}), e.Cookie)
	}
}

func TestSubscribe_SkipsConsumerChanges(t *testing.T) {
	f := newFixture(t, Options{NoPresent: true})
	ck := cookie.Compose(3, 2, f.p.ContextCSN())

	echoed := replace("cn=Alice,"+people, "sn", "FromConsumer")
	echoed.CSN = csn.New(time.Now(), 0, 2, 0)
	f.write(t, echoed)
	f.write(t, replace("cn=Bob,"+people, "sn", "Local"))

	rec := &recorder{}
	_, err := f.p.Subscribe(context.Background(), refreshTree(ck), rec)
	require.NoError(t, err)
	entries := rec.entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "cn=Bob,ou=People,dc=example,dc=com", entries[0].DN)
	assert.Equal(t, cookie.Compose(3, 2, f.p.ContextCSN()), rec.done().Cookie)
}

func TestSubscribe_CookieWithUnknownServers(t *testing.T) {
	f := newFixture(t, Options{})
	ck := cookie.Compose(1, cookie.NoSID, csn.Set{csn.New(time.Now(), 0, 9, 0)})
	rec := &recorder{}
	_, err := f.p.Subscribe(context.Background(), refreshPeople(ck), rec)
	require.NoError(t, err)
	assert.Len(t, rec.entries(), 2)
	assert.Empty(t, rec.infos())
	assert.Equal(t, cookie.Compose(1, cookie.NoSID, f.p.ContextCSN()), rec.done().Cookie)
}

func TestSubscribe_MalformedCookieIsIgnored(t *testing.T) {
	f := newFixture(t, Options{})
	rec := &recorder{}
	_, err := f.p.Subscribe(context.Background(), refreshPeople("rid=abc,csn=nope"), rec)
	require.NoError(t, err)
	assert.Len(t, rec.entries(), 2)
	assert.Equal(t, cookie.Compose(0, cookie.NoSID, f.p.ContextCSN()), rec.done().Cookie)
}

func TestSubscribe_RejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, Options{})
	for name, req := range map[string]Request{
		"deref":  {Base: people, Scope: dn.ScopeSub, Mode: RefreshOnly, DerefSearching: true},
		"mode":   {Base: people, Scope: dn.ScopeSub},
		"filter": {Base: people, Scope: dn.ScopeSub, Mode: RefreshOnly, Filter: "(objectClass=person"},
	} {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			_, err := f.p.Subscribe(context.Background(), req, rec)
			require.ErrorIs(t, err, ErrProtocol)
			assert.Empty(t, rec.messages())
		})
	}
	_, err := f.p.Subscribe(context.Background(), refreshPeople(""), nil)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestSubscribe_MissingBase(t *testing.T) {
	f := newFixture(t, Options{})
	rec := &recorder{}
	_, err := f.p.Subscribe(context.Background(), Request{Base: "ou=Nowhere,dc=example,dc=com", Scope: dn.ScopeSub, Mode: RefreshAndPersist}, rec)
	require.ErrorIs(t, err, directory.ErrNoSuchObject)
	require.NotNil(t, rec.done())
	assert.ErrorIs(t, rec.done().Err, directory.ErrNoSuchObject)
	assert.Empty(t, f.p.Subscriptions())
}
