// Package registry owns the catalog of lists on this device: their metadata,
// which one is selected, their sharing state and the device identity.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/listsync/internal/coalesce"
	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/model"
)

// DefaultListName is used when the registry has to create a list on its own.
const DefaultListName = "Shopping List"

var (
	ErrNotFound   = errors.New("list not found")
	ErrLastList   = errors.New("cannot delete the last list")
	ErrEmptyName  = errors.New("list name must not be empty")
	ErrNotShared  = errors.New("list is not shared")
	ErrNotLoaded  = errors.New("registry not loaded")
	ErrNoRemoteID = errors.New("remote list id must not be empty")
)

type Options struct {
	Now      func() time.Time
	NewID    func() string
	Reporter logging.Reporter
	Logger   *slog.Logger
}

// Registry is the single source of truth for list identity and sharing
// flags. Reads never block on storage: every mutation updates memory first
// and hands the full catalog to the write scheduler.
type Registry struct {
	store     kv.Store
	scheduler *coalesce.Scheduler
	reporter  logging.Reporter
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu        sync.RWMutex
	catalog   model.ListsCatalog
	loaded    bool
	listeners map[int]func(model.ListsCatalog)
	nextSub   int
}

func New(store kv.Store, scheduler *coalesce.Scheduler, opts Options) *Registry {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reporter == nil {
		opts.Reporter = logging.NewSlogReporter(opts.Logger)
	}
	return &Registry{
		store:     store,
		scheduler: scheduler,
		reporter:  opts.Reporter,
		logger:    opts.Logger,
		now:       opts.Now,
		newID:     opts.NewID,
		listeners: make(map[int]func(model.ListsCatalog)),
	}
}

// Load populates the catalog from storage. A corrupt catalog is discarded
// and reported. Afterwards the device id is set and exactly one list is
// selected, creating a default list if needed.
func (r *Registry) Load(ctx context.Context) error {
	catalog, ok, err := kv.GetJSON(ctx, r.store, kv.CatalogKey, model.ListsCatalog.Validate)
	if err != nil {
		var de *kv.DecodeError
		if !errors.As(err, &de) {
			return fmt.Errorf("load catalog: %w", err)
		}
		r.reporter.Report(ctx, logging.Failure{Op: "registry.load", Key: kv.CatalogKey, Err: err})
		ok = false
	}
	if !ok {
		catalog = model.ListsCatalog{Version: model.CatalogVersion}
	}

	changed := !ok
	if catalog.Version < model.CatalogVersion {
		catalog.Version = model.CatalogVersion
		changed = true
	}
	if catalog.DeviceID == "" {
		catalog.DeviceID = r.newID()
		changed = true
	}
	for i := range catalog.Lists {
		if catalog.Lists[i].OwnerDeviceID == "" {
			catalog.Lists[i].OwnerDeviceID = catalog.DeviceID
			changed = true
		}
	}
	if len(catalog.Lists) == 0 {
		catalog.Lists = append(catalog.Lists, r.newMeta(DefaultListName, catalog.DeviceID))
		changed = true
	}
	if catalog.Find(catalog.SelectedListID) < 0 {
		catalog.SelectedListID = catalog.Lists[0].ID
		changed = true
	}

	r.mu.Lock()
	r.catalog = catalog
	r.loaded = true
	if changed {
		r.persistLocked()
	}
	snapshot := r.catalog.Clone()
	r.mu.Unlock()

	r.logger.Debug("catalog loaded", "lists", len(snapshot.Lists), "selected", snapshot.SelectedListID)
	r.notify(snapshot)
	return nil
}

func (r *Registry) newMeta(name, deviceID string) model.ListMeta {
	return model.ListMeta{
		ID:            r.newID(),
		Name:          name,
		CreatedAt:     r.now(),
		OwnerDeviceID: deviceID,
	}
}

// persistLocked hands a copy of the catalog to the scheduler. Callers hold mu.
func (r *Registry) persistLocked() {
	r.scheduler.Schedule(kv.CatalogKey, r.catalog.Clone(), 0)
}

// Flush waits until the latest catalog is durable.
func (r *Registry) Flush(ctx context.Context) error {
	return r.scheduler.Flush(ctx, kv.CatalogKey)
}

// mutate runs fn under the write lock, persists and notifies on success.
func (r *Registry) mutate(fn func(c *model.ListsCatalog) error) error {
	r.mu.Lock()
	if !r.loaded {
		r.mu.Unlock()
		return ErrNotLoaded
	}
	if err := fn(&r.catalog); err != nil {
		r.mu.Unlock()
		return err
	}
	r.persistLocked()
	snapshot := r.catalog.Clone()
	r.mu.Unlock()

	r.notify(snapshot)
	return nil
}

func cleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyName
	}
	return name, nil
}

// CreateList appends a new local-only list and returns its id.
func (r *Registry) CreateList(name string) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	var id string
	err = r.mutate(func(c *model.ListsCatalog) error {
		meta := r.newMeta(name, c.DeviceID)
		id = meta.ID
		c.Lists = append(c.Lists, meta)
		return nil
	})
	return id, err
}

// AddSharedList registers a list that lives on the remote backend, as
// happens after joining with a sharing code. If the remote list is already
// known, its existing id is returned.
func (r *Registry) AddSharedList(name, remoteListID, ownerDeviceID string) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	if remoteListID == "" {
		return "", ErrNoRemoteID
	}
	var id string
	err = r.mutate(func(c *model.ListsCatalog) error {
		for _, l := range c.Lists {
			if l.Remote() == remoteListID {
				id = l.ID
				return nil
			}
		}
		meta := r.newMeta(name, ownerDeviceID)
		if meta.OwnerDeviceID == "" {
			meta.OwnerDeviceID = c.DeviceID
		}
		meta.IsShared = true
		meta.RemoteListID = model.StringPtr(remoteListID)
		id = meta.ID
		c.Lists = append(c.Lists, meta)
		return nil
	})
	return id, err
}

func (r *Registry) RenameList(id, name string) error {
	name, err := cleanName(name)
	if err != nil {
		return err
	}
	return r.mutate(func(c *model.ListsCatalog) error {
		i := c.Find(id)
		if i < 0 {
			return ErrNotFound
		}
		c.Lists[i].Name = name
		return nil
	})
}

// DeleteList removes a list and its stored data. The last remaining list
// cannot be deleted. If the deleted list was selected, its neighbour is
// selected instead.
func (r *Registry) DeleteList(ctx context.Context, id string) error {
	err := r.mutate(func(c *model.ListsCatalog) error {
		i := c.Find(id)
		if i < 0 {
			return ErrNotFound
		}
		if len(c.Lists) == 1 {
			return ErrLastList
		}
		c.Lists = append(c.Lists[:i], c.Lists[i+1:]...)
		if c.SelectedListID == id {
			if i >= len(c.Lists) {
				i = len(c.Lists) - 1
			}
			c.SelectedListID = c.Lists[i].ID
		}
		return nil
	})
	if err != nil {
		return err
	}

	keys := kv.ListKeys(id)
	for _, k := range keys {
		r.scheduler.Cancel(k)
	}
	if l, ok := r.store.(kv.Lister); ok {
		stored, err := l.Keys(ctx, kv.ListPrefix(id))
		if err != nil {
			r.reporter.Report(ctx, logging.Failure{Op: "registry.list_keys", Key: id, Err: err})
		}
		for _, k := range stored {
			if !slices.Contains(keys, k) {
				keys = append(keys, k)
			}
		}
	}
	if err := r.store.MultiRemove(ctx, keys); err != nil {
		r.reporter.Report(ctx, logging.Failure{Op: "registry.delete_keys", Key: id, Err: err})
	}
	r.logger.Info("list deleted", "list_id", id)
	return nil
}

func (r *Registry) SelectList(id string) error {
	return r.mutate(func(c *model.ListsCatalog) error {
		if c.Find(id) < 0 {
			return ErrNotFound
		}
		c.SelectedListID = id
		return nil
	})
}

// MarkListAsShared flips a list into remote-mirrored mode.
func (r *Registry) MarkListAsShared(id, remoteListID, shareCode string) error {
	if remoteListID == "" {
		return ErrNoRemoteID
	}
	return r.mutate(func(c *model.ListsCatalog) error {
		i := c.Find(id)
		if i < 0 {
			return ErrNotFound
		}
		c.Lists[i].IsShared = true
		c.Lists[i].RemoteListID = model.StringPtr(remoteListID)
		if shareCode != "" {
			c.Lists[i].ShareCode = model.StringPtr(shareCode)
		}
		return nil
	})
}

// UnlinkList clears the sharing fields. The list keeps whatever data it has.
func (r *Registry) UnlinkList(id string) error {
	return r.mutate(func(c *model.ListsCatalog) error {
		i := c.Find(id)
		if i < 0 {
			return ErrNotFound
		}
		if !c.Lists[i].IsShared {
			return ErrNotShared
		}
		c.Lists[i].IsShared = false
		c.Lists[i].RemoteListID = nil
		c.Lists[i].ShareCode = nil
		return nil
	})
}

func (r *Registry) Get(id string) (model.ListMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.catalog.Find(id)
	if i < 0 {
		return model.ListMeta{}, false
	}
	return r.catalog.Clone().Lists[i], true
}

// Selected returns the currently selected list.
func (r *Registry) Selected() (model.ListMeta, bool) {
	r.mu.RLock()
	id := r.catalog.SelectedListID
	r.mu.RUnlock()
	return r.Get(id)
}

// Lists returns every list in display order.
func (r *Registry) Lists() []model.ListMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog.Clone().Lists
}

// Catalog returns a copy of the whole catalog.
func (r *Registry) Catalog() model.ListsCatalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog.Clone()
}

func (r *Registry) DeviceID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog.DeviceID
}

// Subscribe registers fn to receive the catalog after every change. The
// returned func removes the subscription.
func (r *Registry) Subscribe(fn func(model.ListsCatalog)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Registry) notify(c model.ListsCatalog) {
	r.mu.RLock()
	fns := make([]func(model.ListsCatalog), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}
