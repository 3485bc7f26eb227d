package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/remote"
)

func validateSession(s *model.ShoppingSession) error {
	if s == nil {
		return nil
	}
	if err := s.Validate(); err != nil {
		return err
	}
	if !s.InProgress() {
		return errors.New("active session is already finished")
	}
	return nil
}

// readLocal loads a list's three keys, waiting for any pending writes to
// them first. Missing or corrupt values read as empty; corruption is
// reported.
func (b *Bridge) readLocal(ctx context.Context, listID string) ListData {
	for _, key := range kv.ListKeys(listID) {
		if err := b.scheduler.Flush(ctx, key); err != nil {
			b.reporter.Report(ctx, logging.Failure{Op: "bridge.flush", Key: key, Err: err})
		}
	}

	var data ListData
	var err error
	if data.Items, _, err = kv.GetJSON(ctx, b.store, kv.ItemsKey(listID), model.ValidateItems); err != nil {
		b.reporter.Report(ctx, logging.Failure{Op: "bridge.read", Key: kv.ItemsKey(listID), Err: err})
	}
	if data.Session, _, err = kv.GetJSON(ctx, b.store, kv.SessionKey(listID), validateSession); err != nil {
		b.reporter.Report(ctx, logging.Failure{Op: "bridge.read", Key: kv.SessionKey(listID), Err: err})
	}
	if data.History, _, err = kv.GetJSON(ctx, b.store, kv.HistoryKey(listID), model.ValidateHistory); err != nil {
		b.reporter.Report(ctx, logging.Failure{Op: "bridge.read", Key: kv.HistoryKey(listID), Err: err})
	}
	model.SortItems(data.Items)
	model.SortHistory(data.History)
	return data
}

// Remote lists store items and history as objects keyed by id so single
// fields can be updated in place.

func itemsToRemote(items []model.Item) map[string]model.Item {
	out := make(map[string]model.Item, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out
}

// itemChanges maps the id of every item of next that is new or differs from
// prev to the item, and the id of every item gone from next to nil.
func itemChanges(prev, next []model.Item) map[string]any {
	old := make(map[string]model.Item, len(prev))
	for _, it := range prev {
		old[it.ID] = it
	}
	values := make(map[string]any)
	for _, it := range next {
		if o, ok := old[it.ID]; !ok || !sameItem(o, it) {
			values[it.ID] = it
		}
		delete(old, it.ID)
	}
	for id := range old {
		values[id] = nil
	}
	return values
}

func sameItem(a, b model.Item) bool {
	return a.ID == b.ID && a.Name == b.Name && a.Quantity == b.Quantity &&
		a.IsChecked == b.IsChecked && a.Order == b.Order && a.CreatedAt.Equal(b.CreatedAt)
}

func historyToRemote(history []model.ShoppingSession) map[string]model.ShoppingSession {
	out := make(map[string]model.ShoppingSession, len(history))
	for _, s := range history {
		out[s.ID] = s
	}
	return out
}

// decodeEntries decodes an object of entries keyed by id, dropping entries
// that fail validation.
func decodeEntries[T any](b *Bridge, s remote.Snapshot, validate func(T) error) []T {
	if !s.Exists {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := s.Decode(&raw); err != nil {
		b.reportDecode(s.Path, err)
		return nil
	}
	out := make([]T, 0, len(raw))
	for id, entry := range raw {
		var v T
		if err := json.Unmarshal(entry, &v); err != nil {
			b.reportDecode(remote.Join(s.Path, id), err)
			continue
		}
		if err := validate(v); err != nil {
			b.reportDecode(remote.Join(s.Path, id), err)
			continue
		}
		out = append(out, v)
	}
	return out
}

func (b *Bridge) decodeRemoteItems(s remote.Snapshot) []model.Item {
	items := decodeEntries(b, s, model.Item.Validate)
	model.SortItems(items)
	return items
}

func (b *Bridge) decodeRemoteHistory(s remote.Snapshot) []model.ShoppingSession {
	history := decodeEntries(b, s, func(sess model.ShoppingSession) error {
		return model.ValidateHistory([]model.ShoppingSession{sess})
	})
	model.SortHistory(history)
	return history
}

func (b *Bridge) decodeRemoteSession(s remote.Snapshot) *model.ShoppingSession {
	if !s.Exists {
		return nil
	}
	var session model.ShoppingSession
	if err := s.Decode(&session); err != nil {
		b.reportDecode(s.Path, err)
		return nil
	}
	if err := validateSession(&session); err != nil {
		b.reportDecode(s.Path, err)
		return nil
	}
	return &session
}

func (b *Bridge) reportDecode(path string, err error) {
	b.reporter.Report(b.ctx, logging.Failure{Op: "bridge.decode", Key: path, Err: fmt.Errorf("discarding remote value: %w", err)})
}
