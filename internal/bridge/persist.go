package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/remote"
)

const remoteWriteTimeout = 10 * time.Second

func (b *Bridge) runQueue() {
	defer close(b.drained)
	for job := range b.queue {
		ctx, cancel := context.WithTimeout(b.ctx, remoteWriteTimeout)
		job(ctx)
		cancel()
	}
}

// enqueue hands a remote write to the single writer goroutine so remote
// writes land in the order they were made.
func (b *Bridge) enqueue(job func(context.Context)) bool {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()
	if b.closed {
		return false
	}
	b.queue <- job
	return true
}

// remoteWrite queues fn and reports its failure under op.
func (b *Bridge) remoteWrite(op, path string, fn func(ctx context.Context) error) {
	ok := b.enqueue(func(ctx context.Context) {
		if _, err := b.backend.SignInAnonymously(ctx); err != nil {
			b.reporter.Report(ctx, logging.Failure{Op: op, Key: path, Err: err})
			return
		}
		if err := fn(ctx); err != nil {
			b.reporter.Report(ctx, logging.Failure{Op: op, Key: path, Err: err})
		}
	})
	if !ok {
		b.reporter.Report(b.ctx, logging.Failure{Op: op, Key: path, Err: ErrClosed})
	}
}

// target resolves where listID's data lives and updates the mirror when it
// is the bound list.
func (b *Bridge) target(listID string, update func(*ListData)) (Mode, string) {
	meta, ok := b.registry.Get(listID)
	mode, rid := ModeLocal, ""
	if ok {
		mode, rid = modeOf(meta), meta.Remote()
	}
	b.mu.Lock()
	if b.active.listID == listID && update != nil {
		update(&b.mirror)
	}
	b.mu.Unlock()
	return mode, rid
}

// PersistItems writes the item list. It returns immediately; failures are
// reported. For the bound remote list only the entries that differ from the
// mirror are sent, so items other members added meanwhile survive.
func (b *Bridge) PersistItems(listID string, items []model.Item) {
	items = model.CloneItems(items)
	var prev []model.Item
	bound := false
	mode, rid := b.target(listID, func(m *ListData) {
		prev, bound = m.Items, true
		m.Items = model.CloneItems(items)
	})
	if mode == ModeLocal {
		b.scheduler.Schedule(kv.ItemsKey(listID), items, b.delay)
		return
	}
	path := remote.ItemsPath(rid)
	if !bound {
		b.remoteWrite("bridge.persist_items", path, func(ctx context.Context) error {
			return b.backend.Set(ctx, path, itemsToRemote(items))
		})
		return
	}
	values := itemChanges(prev, items)
	if len(values) == 0 {
		return
	}
	b.remoteWrite("bridge.persist_items", path, func(ctx context.Context) error {
		return b.backend.Update(ctx, path, values)
	})
}

// PersistItemOrder writes only the order of each item. Remote lists get one
// atomic multi-path update so other devices never see a half-applied
// reorder.
func (b *Bridge) PersistItemOrder(listID string, items []model.Item) {
	items = model.CloneItems(items)
	mode, rid := b.target(listID, func(m *ListData) { m.Items = model.CloneItems(items) })
	if mode == ModeLocal {
		b.scheduler.Schedule(kv.ItemsKey(listID), items, b.delay)
		return
	}
	path := remote.ItemsPath(rid)
	values := make(map[string]any, len(items))
	for _, it := range items {
		values[remote.Join(it.ID, "order")] = it.Order
	}
	b.remoteWrite("bridge.persist_order", path, func(ctx context.Context) error {
		return b.backend.Update(ctx, path, values)
	})
}

// PersistSession writes the active session, or clears it when session is nil.
func (b *Bridge) PersistSession(listID string, session *model.ShoppingSession) {
	session = cloneSession(session)
	mode, rid := b.target(listID, func(m *ListData) { m.Session = cloneSession(session) })
	if mode == ModeLocal {
		b.scheduler.Schedule(kv.SessionKey(listID), session, b.delay)
		return
	}
	path := remote.SessionPath(rid)
	b.remoteWrite("bridge.persist_session", path, func(ctx context.Context) error {
		if session == nil {
			return b.backend.Remove(ctx, path)
		}
		return b.backend.Set(ctx, path, session)
	})
}

// PersistHistory replaces the stored history.
func (b *Bridge) PersistHistory(listID string, history []model.ShoppingSession) {
	history = model.CloneHistory(history)
	mode, rid := b.target(listID, func(m *ListData) { m.History = model.CloneHistory(history) })
	if mode == ModeLocal {
		b.scheduler.Schedule(kv.HistoryKey(listID), history, b.delay)
		return
	}
	path := remote.HistoryPath(rid)
	b.remoteWrite("bridge.persist_history", path, func(ctx context.Context) error {
		return b.backend.Set(ctx, path, historyToRemote(history))
	})
}

// AppendHistory adds a finished session to the history and waits until the
// write is durable. The caller keeps the session active if it fails.
func (b *Bridge) AppendHistory(ctx context.Context, listID string, session model.ShoppingSession) error {
	if session.InProgress() {
		return errors.New("cannot archive a session that is still in progress")
	}
	session = session.Clone()

	meta, ok := b.registry.Get(listID)
	if !ok {
		return ErrUnknownList
	}
	if modeOf(meta) == ModeRemote {
		path := remote.Join(remote.HistoryPath(meta.Remote()), session.ID)
		errc := make(chan error, 1)
		if !b.enqueue(func(qctx context.Context) {
			if _, err := b.backend.SignInAnonymously(qctx); err != nil {
				errc <- err
				return
			}
			errc <- b.backend.Set(qctx, path, session)
		}) {
			return ErrClosed
		}
		select {
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("append history: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		b.target(listID, func(m *ListData) { m.History = appendSession(m.History, session) })
		return nil
	}

	history, err := b.localHistory(ctx, listID)
	if err != nil {
		return err
	}
	history = appendSession(history, session)
	key := kv.HistoryKey(listID)
	b.scheduler.Schedule(key, history, 0)
	if err := b.scheduler.Flush(ctx, key); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	b.target(listID, func(m *ListData) { m.History = model.CloneHistory(history) })
	return nil
}

func (b *Bridge) localHistory(ctx context.Context, listID string) ([]model.ShoppingSession, error) {
	b.mu.Lock()
	if b.active.listID == listID && b.active.mode == ModeLocal {
		h := model.CloneHistory(b.mirror.History)
		b.mu.Unlock()
		return h, nil
	}
	b.mu.Unlock()

	key := kv.HistoryKey(listID)
	if err := b.scheduler.Flush(ctx, key); err != nil {
		return nil, err
	}
	history, _, err := kv.GetJSON(ctx, b.store, key, model.ValidateHistory)
	var de *kv.DecodeError
	if errors.As(err, &de) {
		b.reporter.Report(ctx, logging.Failure{Op: "bridge.read", Key: key, Err: err})
		return nil, nil
	}
	return history, err
}

// appendSession adds s, replacing an entry with the same id.
func appendSession(history []model.ShoppingSession, s model.ShoppingSession) []model.ShoppingSession {
	out := make([]model.ShoppingSession, 0, len(history)+1)
	for _, h := range history {
		if h.ID != s.ID {
			out = append(out, h.Clone())
		}
	}
	out = append(out, s.Clone())
	model.SortHistory(out)
	return out
}
