package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/viant/syncprov/checkpoint"
	"github.com/viant/syncprov/config"
	"github.com/viant/syncprov/directory"
	"github.com/viant/syncprov/engine"
	"github.com/viant/syncprov/syncprov"
)

// runtime is an opened provider with everything it depends on.
type runtime struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	backend  *directory.SQLiteBackend
	store    checkpoint.Store
	provider *syncprov.Provider
	closers  []func() error
}

func openRuntime(ctx context.Context, configPath string, logOut io.Writer) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.Level()}))
	rt := &runtime{cfg: cfg, logger: logger}

	if rt.db, err = engine.Open(cfg.Database); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.closers = append(rt.closers, rt.db.Close)
	if rt.backend, err = directory.NewSQLiteBackend(rt.db, directory.Options{SID: cfg.ServerID, Suffix: cfg.Suffix}); err != nil {
		return nil, rt.fail(err)
	}
	if rt.store, err = openStore(rt, cfg); err != nil {
		return nil, rt.fail(err)
	}
	if rt.provider, err = syncprov.Open(ctx, rt.backend, rt.store, cfg.Options(logger)); err != nil {
		return nil, rt.fail(err)
	}
	return rt, nil
}

func openStore(rt *runtime, cfg *config.Config) (checkpoint.Store, error) {
	if cfg.Store != config.StoreBadger {
		return checkpoint.NewSQLiteStore(rt.db, "")
	}
	store, err := checkpoint.OpenBadgerStore(checkpoint.BadgerConfig{
		Path:     cfg.Badger.Path,
		InMemory: cfg.Badger.InMemory,
		Logger:   rt.logger.With("component", "badger"),
	})
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, store.Close)
	return store, nil
}

// fail releases everything opened so far and returns err with any close
// errors attached.
func (rt *runtime) fail(err error) error {
	return errors.Join(err, rt.Close(context.Background()))
}

func (rt *runtime) closeResources() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// Close closes the provider, checkpointing if needed, then the stores.
func (rt *runtime) Close(ctx context.Context) error {
	var err error
	if rt.provider != nil {
		err = rt.provider.Close(ctx)
		rt.provider = nil
	}
	return errors.Join(err, rt.closeResources())
}
