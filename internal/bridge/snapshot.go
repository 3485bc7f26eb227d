package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/remote"
)

// Snapshot returns the current data of listID: the in-memory mirror when it
// is the bound list, otherwise whatever its storage holds.
func (b *Bridge) Snapshot(ctx context.Context, listID string) (ListData, error) {
	meta, ok := b.registry.Get(listID)
	if !ok {
		return ListData{}, ErrUnknownList
	}
	mode := modeOf(meta)

	b.mu.Lock()
	if b.active.listID == listID && b.active.mode == mode {
		data := b.mirror.Clone()
		b.mu.Unlock()
		return data, nil
	}
	b.mu.Unlock()

	if mode == ModeLocal {
		return b.readLocal(ctx, listID), nil
	}
	return b.readRemote(ctx, meta.Remote())
}

func (b *Bridge) readRemote(ctx context.Context, rid string) (ListData, error) {
	if _, err := b.backend.SignInAnonymously(ctx); err != nil {
		return ListData{}, err
	}
	var data ListData
	items, err := b.backend.Get(ctx, remote.ItemsPath(rid))
	if err != nil {
		return ListData{}, fmt.Errorf("read remote items: %w", err)
	}
	session, err := b.backend.Get(ctx, remote.SessionPath(rid))
	if err != nil {
		return ListData{}, fmt.Errorf("read remote session: %w", err)
	}
	history, err := b.backend.Get(ctx, remote.HistoryPath(rid))
	if err != nil {
		return ListData{}, fmt.Errorf("read remote history: %w", err)
	}
	data.Items = b.decodeRemoteItems(items)
	data.Session = b.decodeRemoteSession(session)
	data.History = b.decodeRemoteHistory(history)
	return data, nil
}

// Detach moves a list back to local storage after it stopped being shared.
// data, when non-nil, becomes the list's local content and is written
// durably. If listID is the bound list it is re-activated in local mode.
func (b *Bridge) Detach(ctx context.Context, listID string, data *ListData) error {
	b.deliverMu.Lock()
	b.mu.Lock()
	wasActive := b.active.listID == listID
	if wasActive {
		b.teardownLocked()
		b.gen++
		b.active.gen = b.gen
	}
	b.mu.Unlock()
	b.deliverMu.Unlock()

	var errs []error
	if data != nil {
		if err := b.writeLocal(ctx, listID, *data); err != nil {
			errs = append(errs, err)
		}
	}

	if wasActive {
		if err := b.Activate(ctx, listID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Restore replaces the content of a local-only list, durably, and reloads it
// into the sink if it is the bound list.
func (b *Bridge) Restore(ctx context.Context, listID string, data ListData) error {
	meta, ok := b.registry.Get(listID)
	if !ok {
		return ErrUnknownList
	}
	if modeOf(meta) != ModeLocal {
		return ErrNotLocal
	}
	if err := b.writeLocal(ctx, listID, data); err != nil {
		return err
	}
	if id, _ := b.Active(); id == listID {
		return b.Activate(ctx, listID)
	}
	return nil
}

func (b *Bridge) writeLocal(ctx context.Context, listID string, data ListData) error {
	d := data.Clone()
	writes := map[string]any{
		kv.ItemsKey(listID):   d.Items,
		kv.SessionKey(listID): d.Session,
		kv.HistoryKey(listID): d.History,
	}
	if d.Items == nil {
		writes[kv.ItemsKey(listID)] = []model.Item{}
	}
	if d.History == nil {
		writes[kv.HistoryKey(listID)] = []model.ShoppingSession{}
	}
	var errs []error
	for key, v := range writes {
		b.scheduler.Schedule(key, v, 0)
		if err := b.scheduler.Flush(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Flush waits for listID's pending local writes and for every remote write
// queued so far.
func (b *Bridge) Flush(ctx context.Context, listID string) error {
	var errs []error
	for _, key := range kv.ListKeys(listID) {
		if err := b.scheduler.Flush(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	if b.enqueue(func(context.Context) { close(done) }) {
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	return errors.Join(errs...)
}
