// Package app wires the engine together for the command-line client.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dukerupert/listsync/internal/backup"
	"github.com/dukerupert/listsync/internal/bridge"
	"github.com/dukerupert/listsync/internal/coalesce"
	"github.com/dukerupert/listsync/internal/config"
	"github.com/dukerupert/listsync/internal/database"
	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/migrate"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/registry"
	"github.com/dukerupert/listsync/internal/relay"
	"github.com/dukerupert/listsync/internal/remote"
	"github.com/dukerupert/listsync/internal/sharing"
	"github.com/dukerupert/listsync/internal/state"
)

// LoadTimeout bounds how long Open waits for a shared list's first snapshot.
const LoadTimeout = 10 * time.Second

var ErrNoRelay = errors.New("no relay configured: set relay_url (LISTSYNC_RELAY_URL or --relay-url)")

// App holds every service of one device.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Reporter  logging.Reporter
	Store     kv.Store
	Scheduler *coalesce.Scheduler
	Registry  *registry.Registry
	Remote    *remote.Lazy
	Bridge    *bridge.Bridge
	State     *state.Containers
	Sharing   *sharing.Protocol
	Backup    *backup.Service
	// Bucket is nil when no backup bucket is configured.
	Bucket *backup.Bucket

	db *sql.DB
}

// Options override pieces of the wiring, mostly for tests.
type Options struct {
	// Factory replaces dialing the configured relay.
	Factory  remote.Factory
	Reporter logging.Reporter
	// Now replaces the sharing clock.
	Now func() time.Time
}

// New opens the local database, runs the legacy migration and loads the
// registry. Nothing is bound until Open is called.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Logger:   logger,
		Reporter: opts.Reporter,
		Store:    kv.NewSQLiteStore(db),
		db:       db,
	}
	if a.Reporter == nil {
		a.Reporter = logging.NewSlogReporter(logger.With("component", "reporter"))
	}

	res, err := migrate.Run(ctx, a.Store, migrate.Options{Reporter: a.Reporter, Logger: logger.With("component", "migrate")})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate legacy data: %w", err)
	}
	if res.Migrated || len(res.Recovered) > 0 {
		logger.Info("legacy data migrated", "list_id", res.ListID, "recovered", res.Recovered, "removed", res.Removed)
	}

	a.Scheduler = coalesce.NewScheduler(a.Store, a.Reporter)
	a.Registry = registry.New(a.Store, a.Scheduler, registry.Options{Reporter: a.Reporter, Logger: logger.With("component", "registry")})
	if err := a.Registry.Load(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("load lists: %w", err)
	}

	factory := opts.Factory
	if factory == nil {
		factory = a.dialRelay
	}
	a.Remote = remote.NewLazy(factory)

	a.Bridge = bridge.New(a.Registry, a.Scheduler, a.Store, a.Remote, bridge.Options{
		WriteDelay: cfg.WriteDelay,
		Reporter:   a.Reporter,
		Logger:     logger.With("component", "bridge"),
	})
	a.State = state.NewContainers(a.Bridge, state.Options{})
	a.Bridge.SetSink(a.State)

	a.Sharing = sharing.New(a.Registry, a.Bridge, a.Remote, sharing.Options{
		Now:      opts.Now,
		Reporter: a.Reporter,
		Logger:   logger.With("component", "sharing"),
	})
	a.Backup = backup.NewService(a.Registry, a.Bridge, backup.Options{Logger: logger.With("component", "backup")})

	s3cfg := backup.S3Config{
		Endpoint:  cfg.Backup.Endpoint,
		Bucket:    cfg.Backup.Bucket,
		Region:    cfg.Backup.Region,
		AccessKey: cfg.Backup.AccessKey,
		SecretKey: cfg.Backup.SecretKey,
		Prefix:    cfg.Backup.Prefix,
	}
	if s3cfg.Enabled() {
		if a.Bucket, err = backup.NewBucket(s3cfg); err != nil {
			logger.Warn("backup bucket disabled", "error", err)
		}
	}
	return a, nil
}

// dialRelay is the remote factory for a configured relay. The anonymous
// identity is kept locally so this device stays the same member across runs.
func (a *App) dialRelay(ctx context.Context) (remote.Backend, error) {
	if a.Config.RelayURL == "" {
		return nil, ErrNoRelay
	}
	uid, _, err := kv.GetJSON[string](ctx, a.Store, kv.RemoteUIDKey, nil)
	if err != nil {
		a.Reporter.Report(ctx, logging.Failure{Op: "app.read_uid", Key: kv.RemoteUIDKey, Err: err})
	}
	return relay.Dial(ctx, a.Config.RelayURL, relay.DialOptions{
		UID: uid,
		OnSignIn: func(uid string) {
			a.Scheduler.Schedule(kv.RemoteUIDKey, uid, 0)
		},
		Logger: a.Logger,
	})
}

// Open binds listID and waits until its data is loaded. A list this device
// shared whose code ran out with nobody joining goes back to local first.
func (a *App) Open(ctx context.Context, listID string) error {
	ctx, cancel := context.WithTimeout(ctx, LoadTimeout)
	defer cancel()
	if unlinked, err := a.Sharing.Reconcile(ctx, listID); err != nil {
		return err
	} else if unlinked {
		a.Logger.Info("nobody joined before the sharing code expired; list is local again", "list_id", listID)
	}
	if err := a.Bridge.Activate(ctx, listID); err != nil {
		return err
	}
	if err := a.Bridge.Ready(ctx); err != nil {
		return fmt.Errorf("load list: %w", err)
	}
	return nil
}

// OpenSelected binds the selected list.
func (a *App) OpenSelected(ctx context.Context) (model.ListMeta, error) {
	meta, ok := a.Registry.Selected()
	if !ok {
		return model.ListMeta{}, registry.ErrNotFound
	}
	return meta, a.Open(ctx, meta.ID)
}

// Resolve finds a list by id or, failing that, by exact name. An empty ref
// means the selected list.
func (a *App) Resolve(ref string) (model.ListMeta, error) {
	if ref == "" {
		meta, ok := a.Registry.Selected()
		if !ok {
			return model.ListMeta{}, registry.ErrNotFound
		}
		return meta, nil
	}
	if meta, ok := a.Registry.Get(ref); ok {
		return meta, nil
	}
	var found []model.ListMeta
	for _, meta := range a.Registry.Lists() {
		if meta.Name == ref {
			found = append(found, meta)
		}
	}
	switch len(found) {
	case 0:
		return model.ListMeta{}, fmt.Errorf("%w: %s", registry.ErrNotFound, ref)
	case 1:
		return found[0], nil
	default:
		return model.ListMeta{}, fmt.Errorf("%d lists are named %q, use the id", len(found), ref)
	}
}

// Close flushes every pending write, then releases the relay connection and
// the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.Bridge.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.Remote.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
