// Package bridge decides, per list, whether item, session and history data
// live in local storage or in the shared remote backend, and routes reads
// and writes accordingly.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/listsync/internal/coalesce"
	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/remote"
)

// DefaultWriteDelay is how long local writes are coalesced.
const DefaultWriteDelay = 300 * time.Millisecond

var (
	ErrUnknownList = errors.New("bridge: unknown list")
	ErrClosed      = errors.New("bridge: closed")
	ErrNotLocal    = errors.New("bridge: list is shared")
	ErrNotActive   = errors.New("bridge: no list is bound")
)

type Mode int

const (
	ModeLocal Mode = iota
	ModeRemote
)

func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local"
}

// ListData is everything stored for one list besides its metadata.
type ListData struct {
	Items   []model.Item
	Session *model.ShoppingSession
	History []model.ShoppingSession
}

// Clone returns a deep copy.
func (d ListData) Clone() ListData {
	out := ListData{
		Items:   model.CloneItems(d.Items),
		History: model.CloneHistory(d.History),
	}
	if d.Session != nil {
		s := d.Session.Clone()
		out.Session = &s
	}
	return out
}

// Registry is the part of the list registry the bridge reads.
type Registry interface {
	Get(id string) (model.ListMeta, bool)
}

// Sink receives the active list's data. Reset announces a new binding;
// Replace calls for any other list id must be ignored.
type Sink interface {
	Reset(listID string)
	ReplaceItems(listID string, items []model.Item)
	ReplaceSession(listID string, session *model.ShoppingSession)
	ReplaceHistory(listID string, history []model.ShoppingSession)
}

type Options struct {
	WriteDelay time.Duration
	Reporter   logging.Reporter
	Logger     *slog.Logger
}

// Parts of a list's data, tracked to know when a binding is fully loaded.
const (
	partItems uint8 = 1 << iota
	partSession
	partHistory
	partAll = partItems | partSession | partHistory
)

type binding struct {
	listID string
	gen    uint64
	mode   Mode
	remote string
}

// Bridge owns the read path of the active list and the write path of every
// list. Exactly one list is bound at a time.
type Bridge struct {
	registry  Registry
	scheduler *coalesce.Scheduler
	store     kv.Store
	backend   remote.Backend
	sink      Sink
	delay     time.Duration
	reporter  logging.Reporter
	logger    *slog.Logger

	// deliverMu serializes binding switches with deliveries to the sink, so
	// a superseded binding never reaches it.
	deliverMu sync.Mutex

	mu      sync.Mutex
	active  binding
	gen     uint64
	cancels []func()
	mirror  ListData
	loaded  uint8
	ready   chan struct{}

	queueMu sync.Mutex
	queue   chan func(context.Context)
	closed  bool
	drained chan struct{}
	ctx     context.Context
	stop    context.CancelFunc
}

// New builds a bridge. Data for the active list goes nowhere until SetSink
// is called.
func New(registry Registry, scheduler *coalesce.Scheduler, store kv.Store, backend remote.Backend, opts Options) *Bridge {
	if opts.WriteDelay <= 0 {
		opts.WriteDelay = DefaultWriteDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Reporter == nil {
		opts.Reporter = logging.NewSlogReporter(opts.Logger)
	}
	ctx, stop := context.WithCancel(context.Background())
	b := &Bridge{
		registry:  registry,
		scheduler: scheduler,
		store:     store,
		backend:   backend,
		sink:      discard{},
		delay:     opts.WriteDelay,
		reporter:  opts.Reporter,
		logger:    opts.Logger,
		queue:     make(chan func(context.Context), 256),
		drained:   make(chan struct{}),
		ctx:       ctx,
		stop:      stop,
	}
	go b.runQueue()
	return b
}

// SetSink sets where the active list's data is delivered. Call it before
// the first Activate.
func (b *Bridge) SetSink(sink Sink) {
	b.deliverMu.Lock()
	b.sink = sink
	b.deliverMu.Unlock()
}

type discard struct{}

func (discard) Reset(string) {}
func (discard) ReplaceItems(string, []model.Item) {}
func (discard) ReplaceSession(string, *model.ShoppingSession) {}
func (discard) ReplaceHistory(string, []model.ShoppingSession) {}

func modeOf(meta model.ListMeta) Mode {
	if meta.IsShared && meta.Remote() != "" {
		return ModeRemote
	}
	return ModeLocal
}

// Mode reports where listID's data currently lives.
func (b *Bridge) Mode(listID string) Mode {
	meta, ok := b.registry.Get(listID)
	if !ok {
		return ModeLocal
	}
	return modeOf(meta)
}

// Active returns the bound list id and its mode.
func (b *Bridge) Active() (string, Mode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active.listID, b.active.mode
}

// Activate binds listID: previous subscriptions are torn down first, then
// the list's data is loaded from local storage or subscribed to remotely.
// If any remote subscription fails, the ones already registered are undone.
func (b *Bridge) Activate(ctx context.Context, listID string) error {
	meta, ok := b.registry.Get(listID)
	if !ok {
		return ErrUnknownList
	}
	bind := binding{listID: listID, mode: modeOf(meta), remote: meta.Remote()}

	b.deliverMu.Lock()
	b.mu.Lock()
	b.teardownLocked()
	b.gen++
	bind.gen = b.gen
	b.active = bind
	b.mirror = ListData{}
	b.loaded = 0
	b.ready = make(chan struct{})
	b.mu.Unlock()
	b.sink.Reset(listID)
	b.deliverMu.Unlock()

	b.logger.Debug("list activated", "list_id", listID, "mode", bind.mode, "gen", bind.gen)

	if bind.mode == ModeLocal {
		data := b.readLocal(ctx, listID)
		b.deliver(bind, partAll, func(m *ListData) {
			*m = data
		}, func() {
			b.sink.ReplaceItems(listID, model.CloneItems(data.Items))
			b.sink.ReplaceSession(listID, cloneSession(data.Session))
			b.sink.ReplaceHistory(listID, model.CloneHistory(data.History))
		})
		return nil
	}
	return b.subscribe(ctx, bind)
}

func (b *Bridge) subscribe(ctx context.Context, bind binding) error {
	if _, err := b.backend.SignInAnonymously(ctx); err != nil {
		return err
	}

	handlers := []struct {
		path string
		fn   func(remote.Snapshot)
	}{
		{remote.ItemsPath(bind.remote), func(s remote.Snapshot) { b.onItems(bind, s) }},
		{remote.SessionPath(bind.remote), func(s remote.Snapshot) { b.onSession(bind, s) }},
		{remote.HistoryPath(bind.remote), func(s remote.Snapshot) { b.onHistory(bind, s) }},
	}

	cancels := make([]func(), 0, len(handlers))
	for _, h := range handlers {
		cancel, err := b.backend.OnValue(ctx, h.path, h.fn)
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return err
		}
		cancels = append(cancels, cancel)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active.gen != bind.gen {
		// Superseded while subscribing.
		for _, c := range cancels {
			c()
		}
		return nil
	}
	b.cancels = cancels
	return nil
}

func (b *Bridge) teardownLocked() {
	for _, c := range b.cancels {
		c()
	}
	b.cancels = nil
}

// deliver runs apply against the sink and then applies update to the
// mirror, both only if bind is still the active binding. part is then
// marked loaded.
// The sink goes first so the mirror, which PersistItems diffs against,
// never holds an entry the containers have not seen.
func (b *Bridge) deliver(bind binding, part uint8, update func(*ListData), apply func()) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()

	b.mu.Lock()
	stale := b.active.gen != bind.gen
	b.mu.Unlock()
	if stale {
		return
	}

	apply()

	b.mu.Lock()
	update(&b.mirror)
	if b.loaded != partAll {
		b.loaded |= part
		if b.loaded == partAll {
			close(b.ready)
		}
	}
	b.mu.Unlock()
}

// Ready blocks until the bound list has received its first items, session
// and history. Remote lists load asynchronously after Activate returns.
func (b *Bridge) Ready(ctx context.Context) error {
	b.mu.Lock()
	ready := b.ready
	b.mu.Unlock()
	if ready == nil {
		return ErrNotActive
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) onItems(bind binding, s remote.Snapshot) {
	items := b.decodeRemoteItems(s)
	b.deliver(bind, partItems, func(m *ListData) { m.Items = items }, func() {
		b.sink.ReplaceItems(bind.listID, model.CloneItems(items))
	})
}

func (b *Bridge) onSession(bind binding, s remote.Snapshot) {
	session := b.decodeRemoteSession(s)
	b.deliver(bind, partSession, func(m *ListData) { m.Session = session }, func() {
		b.sink.ReplaceSession(bind.listID, cloneSession(session))
	})
}

func (b *Bridge) onHistory(bind binding, s remote.Snapshot) {
	history := b.decodeRemoteHistory(s)
	b.deliver(bind, partHistory, func(m *ListData) { m.History = history }, func() {
		b.sink.ReplaceHistory(bind.listID, model.CloneHistory(history))
	})
}

// Close drops the active binding, flushes pending local writes and waits
// for queued remote writes.
func (b *Bridge) Close(ctx context.Context) error {
	b.deliverMu.Lock()
	b.mu.Lock()
	b.teardownLocked()
	b.gen++
	b.active = binding{gen: b.gen}
	b.mu.Unlock()
	b.deliverMu.Unlock()

	b.queueMu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.queueMu.Unlock()

	err := b.scheduler.FlushAll(ctx)
	select {
	case <-b.drained:
	case <-ctx.Done():
		b.stop()
		return errors.Join(err, ctx.Err())
	}
	b.stop()
	return err
}

func cloneSession(s *model.ShoppingSession) *model.ShoppingSession {
	if s == nil {
		return nil
	}
	c := s.Clone()
	return &c
}
