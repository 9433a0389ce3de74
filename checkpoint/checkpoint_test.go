package checkpoint

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/engine"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testSet() csn.Set {
	return csn.Set{}.With(csn.New(t0, 0, 1, 0)).With(csn.New(t0.Add(time.Second), 2, 3, 0))
}

func TestContextTableDDL(t *testing.T) {
	ddl := ContextTableDDL("")
	if !strings.Contains(ddl, "CREATE TABLE IF NOT EXISTS "+DefaultContextTable) {
		t.Fatalf("unexpected ddl: %s", ddl)
	}
	if !strings.Contains(ddl, "PRIMARY KEY(suffix, sid)") {
		t.Fatalf("missing primary key: %s", ddl)
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	db, err := engine.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	store, err := NewSQLiteStore(db, "")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	ctx := context.Background()
	if _, err := store.Load(ctx, "dc=example,dc=com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	want := testSet()
	if err := store.Save(ctx, "dc=example,dc=com", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, "dc=example,dc=com")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	// Save replaces, it does not merge.
	only := csn.Set{}.With(csn.New(t0.Add(time.Hour), 0, 1, 0))
	if err := store.Save(ctx, "dc=example,dc=com", only); err != nil {
		t.Fatalf("save: %v", err)
	}
	states, err := store.States(ctx, "dc=example,dc=com")
	if err != nil {
		t.Fatalf("states: %v", err)
	}
	if len(states) != 1 || states[0].SID != 1 || states[0].CSN != only[0] {
		t.Fatalf("unexpected states: %+v", states)
	}
	if states[0].UpdatedAt.IsZero() {
		t.Fatalf("updated_at not populated")
	}
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	store, err := OpenBadgerStore(BadgerConfig{InMemory: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if _, err := store.Load(ctx, "o=a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	want := testSet()
	if err := store.Save(ctx, "o=a", want); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Save(ctx, "o=b", want[:1]); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx, "o=a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if err := store.Save(ctx, "o=a", want[1:]); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _ = store.Load(ctx, "o=a")
	if len(got) != 1 || got[0] != want[1] {
		t.Fatalf("save should replace, got %v", got)
	}
	suffixes, err := store.Suffixes()
	if err != nil {
		t.Fatalf("suffixes: %v", err)
	}
	if strings.Join(suffixes, ",") != "o=a,o=b" {
		t.Fatalf("unexpected suffixes: %v", suffixes)
	}
}

func TestSchedulerOpsThreshold(t *testing.T) {
	s := NewScheduler(Config{Ops: 100}, func(context.Context) error { return nil }, nil)
	fired := 0
	for i := 1; i <= 100; i++ {
		if s.Track() {
			fired++
			if i != 100 {
				t.Fatalf("fired early at write %d", i)
			}
			if err := s.Checkpoint(context.Background()); err != nil {
				t.Fatalf("checkpoint: %v", err)
			}
		}
	}
	if fired != 1 {
		t.Fatalf("expected exactly one checkpoint, got %d", fired)
	}
	if s.Pending() {
		t.Fatalf("pending after checkpoint")
	}
	for i := 1; i < 100; i++ {
		if s.Track() {
			t.Fatalf("fired again at write %d", i)
		}
	}
	if !s.Track() {
		t.Fatalf("expected second checkpoint after next 100 writes")
	}
}

func TestSchedulerIntervalArmsFirst(t *testing.T) {
	now := t0
	s := NewScheduler(Config{Interval: time.Minute, Now: func() time.Time { return now }},
		func(context.Context) error { return nil }, nil)
	if s.Track() {
		t.Fatalf("first timed write only arms the timer")
	}
	now = now.Add(30 * time.Second)
	if s.Track() {
		t.Fatalf("fired before interval")
	}
	now = now.Add(30 * time.Second)
	if !s.Track() {
		t.Fatalf("expected checkpoint once the interval elapsed")
	}
	if s.Track() {
		t.Fatalf("timer should restart")
	}
}

func TestSchedulerFailureStaysPending(t *testing.T) {
	fail := true
	calls := 0
	s := NewScheduler(Config{Ops: 1}, func(context.Context) error {
		calls++
		if fail {
			return errors.New("backend down")
		}
		return nil
	}, nil)
	if !s.Track() {
		t.Fatalf("expected due")
	}
	if err := s.Checkpoint(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if !s.Pending() || s.Count() != 0 {
		t.Fatalf("failed checkpoint must stay pending")
	}
	fail = false
	if !s.Track() {
		t.Fatalf("expected due at next threshold")
	}
	if err := s.Checkpoint(context.Background()); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if s.Pending() || s.Count() != 1 || calls != 2 {
		t.Fatalf("pending=%v count=%d calls=%d", s.Pending(), s.Count(), calls)
	}
}

func TestSchedulerTrigger(t *testing.T) {
	done := make(chan struct{}, 1)
	s := NewScheduler(Config{}, func(context.Context) error {
		done <- struct{}{}
		return nil
	}, nil)
	s.Start(context.Background())
	defer s.Stop()

	s.Trigger()
	s.MarkPending()
	s.Trigger()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("trigger did not checkpoint")
	}
}
