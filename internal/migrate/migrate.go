// Package migrate converts the old single-list storage layout into the
// multi-list catalog and repairs interrupted conversions.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/model"
)

// DefaultListName is the name given to the list synthesized from legacy data.
const DefaultListName = "Shopping List"

// Options carries the collaborators Run needs. Zero values get defaults.
type Options struct {
	Now      func() time.Time
	NewID    func() string
	Reporter logging.Reporter
	Logger   *slog.Logger
}

func (o *Options) defaults() {
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Reporter == nil {
		o.Reporter = logging.NewSlogReporter(o.Logger)
	}
}

// Result summarizes what a run did.
type Result struct {
	// Migrated is true when a fresh catalog was synthesized from legacy keys.
	Migrated bool
	// ListID is the list that received legacy data, if any.
	ListID string
	// Recovered lists the namespaced keys filled in by the recovery path.
	Recovered []string
	// Removed lists the legacy keys deleted during this run.
	Removed []string
}

// legacyDest maps a legacy key to the namespaced key of listID.
func legacyDest(legacyKey, listID string) string {
	switch legacyKey {
	case kv.LegacyItemsKey:
		return kv.ItemsKey(listID)
	case kv.LegacySessionKey:
		return kv.SessionKey(listID)
	default:
		return kv.HistoryKey(listID)
	}
}

func present(raw string) bool {
	return raw != "" && raw != "null"
}

// Run must complete before anything reads lists. It only returns an error when
// the catalog could not be written; every other failure is reported and the
// next run picks up where this one stopped.
func Run(ctx context.Context, store kv.Store, opts Options) (Result, error) {
	opts.defaults()

	rawCatalog, hasCatalog, err := store.Get(ctx, kv.CatalogKey)
	if err != nil {
		return Result{}, fmt.Errorf("read catalog: %w", err)
	}

	legacy, err := store.MultiGet(ctx, kv.LegacyKeys)
	if err != nil {
		return Result{}, fmt.Errorf("read legacy keys: %w", err)
	}
	for k, v := range legacy {
		if !present(v) {
			delete(legacy, k)
		}
	}

	if !hasCatalog {
		if len(legacy) == 0 {
			return Result{}, nil
		}
		return migrateLegacy(ctx, store, legacy, opts)
	}

	if len(legacy) == 0 {
		return Result{}, nil
	}

	catalog, err := kv.Decode(rawCatalog, model.ListsCatalog.Validate)
	if err != nil {
		opts.Reporter.Report(ctx, logging.Failure{Op: "migrate.recover", Key: kv.CatalogKey, Err: err})
		return Result{}, nil
	}
	return recoverLegacy(ctx, store, catalog, legacy, opts)
}

func migrateLegacy(ctx context.Context, store kv.Store, legacy map[string]string, opts Options) (Result, error) {
	listID := opts.NewID()
	deviceID := opts.NewID()

	entries := make(map[string]string, len(legacy))
	for k, v := range legacy {
		entries[legacyDest(k, listID)] = v
	}
	if err := store.MultiSet(ctx, entries); err != nil {
		return Result{}, fmt.Errorf("copy legacy data: %w", err)
	}

	catalog := model.ListsCatalog{
		Version: model.CatalogVersion,
		Lists: []model.ListMeta{{
			ID:            listID,
			Name:          DefaultListName,
			CreatedAt:     opts.Now(),
			OwnerDeviceID: deviceID,
		}},
		SelectedListID: listID,
		DeviceID:       deviceID,
	}
	if err := kv.SetJSON(ctx, store, kv.CatalogKey, catalog); err != nil {
		return Result{}, fmt.Errorf("write catalog: %w", err)
	}

	res := Result{Migrated: true, ListID: listID}
	keys := make([]string, 0, len(legacy))
	for _, k := range kv.LegacyKeys {
		if _, ok := legacy[k]; ok {
			keys = append(keys, k)
		}
	}
	if err := store.MultiRemove(ctx, keys); err != nil {
		opts.Reporter.Report(ctx, logging.Failure{Op: "migrate.remove_legacy", Err: err})
	} else {
		res.Removed = keys
	}

	opts.Logger.Info("migrated legacy list", "list_id", listID, "keys", len(keys))
	return res, nil
}

// recoverLegacy copies legacy payloads that never made it into the
// namespaced keys. Existing namespaced data is never overwritten.
func recoverLegacy(ctx context.Context, store kv.Store, catalog model.ListsCatalog, legacy map[string]string, opts Options) (Result, error) {
	target := catalog.SelectedListID
	if target == "" && len(catalog.Lists) > 0 {
		target = catalog.Lists[0].ID
	}
	if target == "" {
		return Result{}, nil
	}

	dests := make([]string, 0, len(legacy))
	for k := range legacy {
		dests = append(dests, legacyDest(k, target))
	}
	existing, err := store.MultiGet(ctx, dests)
	if err != nil {
		opts.Reporter.Report(ctx, logging.Failure{Op: "migrate.recover", Err: err})
		return Result{}, nil
	}

	res := Result{ListID: target}
	copies := make(map[string]string)
	var removable []string
	for _, k := range kv.LegacyKeys {
		v, ok := legacy[k]
		if !ok {
			continue
		}
		dest := legacyDest(k, target)
		cur, has := existing[dest]
		switch {
		case !has || !present(cur):
			copies[dest] = v
			removable = append(removable, k)
		case cur == v:
			removable = append(removable, k)
		default:
			opts.Logger.Warn("legacy key left in place, destination holds other data",
				"legacy_key", k, "dest", dest)
		}
	}

	if len(copies) > 0 {
		if err := store.MultiSet(ctx, copies); err != nil {
			opts.Reporter.Report(ctx, logging.Failure{Op: "migrate.recover", Err: err})
			return Result{ListID: target}, nil
		}
		for _, k := range kv.ListKeys(target) {
			if _, ok := copies[k]; ok {
				res.Recovered = append(res.Recovered, k)
			}
		}
		opts.Logger.Info("recovered orphaned legacy data", "list_id", target, "keys", len(copies))
	}

	if len(removable) > 0 {
		if err := store.MultiRemove(ctx, removable); err != nil {
			opts.Reporter.Report(ctx, logging.Failure{Op: "migrate.remove_legacy", Err: err})
		} else {
			res.Removed = removable
		}
	}
	return res, nil
}
