package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/viant/syncprov/csn"
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in memory; useful for tests.
	InMemory bool
	// SyncWrites fsyncs every checkpoint.
	SyncWrites bool
	// Logger receives Badger's own log output. Nil silences it.
	Logger *slog.Logger
}

// BadgerStore keeps the contextCSN in a Badger key-value store under
// ctxcsn/<suffix>/<sid>.
type BadgerStore struct {
	db *badger.DB
}

type badgerLogger struct{ logger *slog.Logger }

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// OpenBadgerStore opens or creates a Badger database for checkpoints.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("checkpoint: badger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("checkpoint: create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func prefix(suffix string) []byte { return []byte("ctxcsn/" + suffix + "/") }

// Load returns the saved vector for suffix.
func (s *BadgerStore) Load(_ context.Context, suffix string) (csn.Set, error) {
	var set csn.Set
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := prefix(suffix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			c, err := csn.Parse(string(value))
			if err != nil {
				return fmt.Errorf("checkpoint: stored csn under %s: %w", it.Item().Key(), err)
			}
			set = set.With(c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(set) == 0 {
		return nil, ErrNotFound
	}
	return set, nil
}

// Save replaces the vector for suffix in one transaction.
func (s *BadgerStore) Save(_ context.Context, suffix string, set csn.Set) error {
	return s.db.Update(func(txn *badger.Txn) error {
		p := prefix(suffix)
		var stale [][]byte
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for _, c := range set {
			sid, err := c.SID()
			if err != nil {
				return err
			}
			key := append(prefix(suffix), []byte(fmt.Sprintf("%03x", sid))...)
			if err := txn.Set(key, []byte(c)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Suffixes lists the naming contexts with a saved vector.
func (s *BadgerStore) Suffixes() ([]string, error) {
	seen := map[string]bool{}
	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		p := []byte("ctxcsn/")
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			key := strings.TrimPrefix(string(it.Item().Key()), "ctxcsn/")
			if i := strings.LastIndexByte(key, '/'); i >= 0 {
				key = key[:i]
			}
			if !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
		return nil
	})
	return out, err
}

// Close releases the Badger database.
func (s *BadgerStore) Close() error { return s.db.Close() }

var _ Store = (*BadgerStore)(nil)
