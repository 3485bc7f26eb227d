package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukerupert/listsync/internal/coalesce"
	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/registry"
	"github.com/dukerupert/listsync/internal/remote"
	"github.com/dukerupert/listsync/internal/state"
)

type env struct {
	ctx        context.Context
	store      *kv.Memory
	sched      *coalesce.Scheduler
	reg        *registry.Registry
	mem        *remote.Memory
	containers *state.Containers
	bridge     *Bridge
	rec        *logging.Recorder
	localID    string
	sharedID   string
}

func newEnv(t *testing.T, backend func(*remote.Memory) remote.Backend) *env {
	t.Helper()
	e := &env{ctx: context.Background(), store: kv.NewMemory(), rec: logging.NewRecorder(nil)}
	e.sched = coalesce.NewScheduler(e.store, e.rec)
	e.reg = registry.New(e.store, e.sched, registry.Options{Reporter: e.rec, Logger: logging.Discard()})
	require.NoError(t, e.reg.Load(e.ctx))
	sel, _ := e.reg.Selected()
	e.localID = sel.ID

	var err error
	e.sharedID, err = e.reg.CreateList("Family")
	require.NoError(t, err)
	require.NoError(t, e.reg.MarkListAsShared(e.sharedID, "r1", ""))

	e.mem = remote.NewMemory(nil)
	var b remote.Backend = e.mem
	if backend != nil {
		b = backend(e.mem)
	}
	e.bridge = New(e.reg, e.sched, e.store, b, Options{WriteDelay: 200 * time.Millisecond, Reporter: e.rec, Logger: logging.Discard()})
	e.containers = state.NewContainers(e.bridge, state.Options{})
	e.bridge.SetSink(e.containers)
	t.Cleanup(func() { e.bridge.Close(context.Background()) })
	return e
}

func (e *env) seedRemote(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, e.mem.Tree().Set(path, raw))
}

func itemNames(items []model.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Name
	}
	return out
}

var t0 = time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)

func TestLocalActivateLoadsStoredData(t *testing.T) {
	e := newEnv(t, nil)
	items := []model.Item{
		{ID: "b", Name: "Eggs", Quantity: 1, Order: 1, CreatedAt: t0},
		{ID: "a", Name: "Milk", Quantity: 2, Order: 0, CreatedAt: t0},
	}
	require.NoError(t, kv.SetJSON(e.ctx, e.store, kv.ItemsKey(e.localID), items))

	require.NoError(t, e.bridge.Activate(e.ctx, e.localID))
	id, mode := e.bridge.Active()
	require.Equal(t, e.localID, id)
	require.Equal(t, ModeLocal, mode)
	require.Equal(t, []string{"Milk", "Eggs"}, itemNames(e.containers.Items.Snapshot()))
	require.Nil(t, e.containers.Sessions.Active())
}

func TestLocalCorruptValueReadsEmpty(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.store.Set(e.ctx, kv.ItemsKey(e.localID), `[{"id":"a","name":"","quantity":0}]`))

	require.NoError(t, e.bridge.Activate(e.ctx, e.localID))
	require.Empty(t, e.containers.Items.Snapshot())
	require.Contains(t, e.rec.Ops(), "bridge.read")
}

func TestLocalWritesAreCoalesced(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.bridge.Activate(e.ctx, e.localID))

	for _, n := range []string{"A", "B", "C", "D"} {
		_, err := e.containers.Items.Add(e.localID, n, 1)
		require.NoError(t, err)
	}
	require.NoError(t, e.bridge.Flush(e.ctx, e.localID))

	stored, ok, err := kv.GetJSON(e.ctx, e.store, kv.ItemsKey(e.localID), model.ValidateItems)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"A", "B", "C", "D"}, itemNames(stored))
	require.Equal(t, 1, e.store.Writes(kv.ItemsKey(e.localID)))
}

func TestRemoteActivateMirrorsSnapshots(t *testing.T) {
	e := newEnv(t, nil)
	e.seedRemote(t, remote.ItemsPath("r1"), map[string]model.Item{
		"x": {ID: "x", Name: "Bread", Quantity: 1, Order: 0, CreatedAt: t0},
	})

	require.NoError(t, e.bridge.Activate(e.ctx, e.sharedID))
	require.Equal(t, ModeRemote, e.bridge.Mode(e.sharedID))
	require.Eventually(t, func() bool {
		return len(e.containers.Items.Snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	// Another device adds an item.
	e.seedRemote(t, remote.Join(remote.ItemsPath("r1"), "y"), model.Item{ID: "y", Name: "Jam", Quantity: 1, Order: 1, CreatedAt: t0})
	require.Eventually(t, func() bool {
		return len(e.containers.Items.Snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"Bread", "Jam"}, itemNames(e.containers.Items.Snapshot()))
}

func TestRemoteWritesGoToBackend(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.bridge.Activate(e.ctx, e.sharedID))

	_, err := e.containers.Items.Add(e.sharedID, "Milk", 1)
	require.NoError(t, err)
	_, err = e.containers.Items.Add(e.sharedID, "Eggs", 1)
	require.NoError(t, err)
	require.NoError(t, e.bridge.Flush(e.ctx, e.sharedID))

	snap, err := e.mem.Tree().Get(remote.ItemsPath("r1"))
	require.NoError(t, err)
	var stored map[string]model.Item
	require.NoError(t, snap.Decode(&stored))
	require.Len(t, stored, 2)

	_, ok, _ := e.store.Get(e.ctx, kv.ItemsKey(e.sharedID))
	require.False(t, ok, "remote lists never write local item keys")
}

func TestRemoteReorderIsOneUpdate(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.bridge.Activate(e.ctx, e.sharedID))
	for _, n := range []string{"A", "B", "C"} {
		_, err := e.containers.Items.Add(e.sharedID, n, 1)
		require.NoError(t, err)
	}
	require.NoError(t, e.bridge.Flush(e.ctx, e.sharedID))
	before := e.mem.Calls("update")

	a := e.containers.Items.Snapshot()[0].ID
	require.NoError(t, e.containers.Items.Move(e.sharedID, a, 2))
	require.NoError(t, e.bridge.Flush(e.ctx, e.sharedID))
	require.Equal(t, before+1, e.mem.Calls("update"))

	data, err := e.bridge.readRemote(e.ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, []string{"B", "C", "A"}, itemNames(data.Items))
}

func TestModeSwitchDropsOldSubscriptions(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.bridge.Activate(e.ctx, e.sharedID))
	require.Equal(t, 3, e.mem.Tree().Subscribers())

	require.NoError(t, e.bridge.Activate(e.ctx, e.localID))
	require.Zero(t, e.mem.Tree().Subscribers())

	e.seedRemote(t, remote.Join(remote.ItemsPath("r1"), "z"), model.Item{ID: "z", Name: "Late", Quantity: 1, CreatedAt: t0})
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, e.containers.Items.Snapshot())
	require.Equal(t, e.localID, e.containers.Items.ListID())
}

func TestStaleDeliveryIsIgnored(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.bridge.Activate(e.ctx, e.sharedID))
	old := e.bridge.active
	require.NoError(t, e.bridge.Activate(e.ctx, e.sharedID))

	raw, _ := json.Marshal(map[string]model.Item{"q": {ID: "q", Name: "Ghost", Quantity: 1, CreatedAt: t0}})
	e.bridge.onItems(old, remote.Snapshot{Path: remote.ItemsPath("r1"), Value: raw, Exists: true})
	time.Sleep(20 * time.Millisecond)
	for _, it := range e.containers.Items.Snapshot() {
		require.NotEqual(t, "Ghost", it.Name)
	}
}

// flaky fails the nth OnValue call.
type flaky struct {
	remote.Backend
	mu     sync.Mutex
	n      int
	failAt int
}

func (f *flaky) OnValue(ctx context.Context, path string, fn func(remote.Snapshot)) (func(), error) {
	f.mu.Lock()
	f.n++
	n := f.n
	f.mu.Unlock()
	if n == f.failAt {
		return nil, errors.New("permission denied")
	}
	return f.Backend.OnValue(ctx, path, fn)
}

func TestSubscribeFailureUnwinds(t *testing.T) {
	e := newEnv(t, func(m *remote.Memory) remote.Backend { return &flaky{Backend: m, failAt: 3} })

	err := e.bridge.Activate(e.ctx, e.sharedID)
	require.Error(t, err)
	require.Zero(t, e.mem.Tree().Subscribers())
}

func TestAppendHistoryLocal(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.bridge.Activate(e.ctx, e.localID))
	finished := t0.Add(time.Hour)
	session := model.ShoppingSession{ID: "s1", StartedAt: t0, FinishedAt: &finished}

	require.NoError(t, e.bridge.AppendHistory(e.ctx, e.localID, session))
	history, ok, err := kv.GetJSON(e.ctx, e.store, kv.HistoryKey(e.localID), model.ValidateHistory)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, history, 1)

	err = e.bridge.AppendHistory(e.ctx, e.localID, model.ShoppingSession{ID: "s2", StartedAt: t0})
	require.Error(t, err, "in-progress sessions are rejected")
}

func TestAppendHistoryLocalFailure(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.bridge.Activate(e.ctx, e.localID))
	e.store.FailOn("set", errors.New("disk full"))
	finished := t0.Add(time.Hour)

	err := e.bridge.AppendHistory(e.ctx, e.localID, model.ShoppingSession{ID: "s1", StartedAt: t0, FinishedAt: &finished})
	require.Error(t, err)
}

func TestAppendHistoryRemote(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.bridge.Activate(e.ctx, e.sharedID))
	finished := t0.Add(time.Hour)

	require.NoError(t, e.bridge.AppendHistory(e.ctx, e.sharedID, model.ShoppingSession{ID: "s1", StartedAt: t0, FinishedAt: &finished}))
	snap, err := e.mem.Tree().Get(remote.Join(remote.HistoryPath("r1"), "s1"))
	require.NoError(t, err)
	require.True(t, snap.Exists)

	e.mem.FailOn("set", errors.New("offline"))
	err = e.bridge.AppendHistory(e.ctx, e.sharedID, model.ShoppingSession{ID: "s2", StartedAt: t0, FinishedAt: &finished})
	require.Error(t, err)
}

func TestRemoteWriteFailureIsReported(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.bridge.Activate(e.ctx, e.sharedID))
	e.mem.FailOn("update", errors.New("offline"))

	_, err := e.containers.Items.Add(e.sharedID, "Milk", 1)
	require.NoError(t, err, "writes are optimistic")
	require.NoError(t, e.bridge.Flush(e.ctx, e.sharedID))
	require.Contains(t, e.rec.Ops(), "bridge.persist_items")
	require.Len(t, e.containers.Items.Snapshot(), 1)
}

func TestSnapshotOfInactiveLists(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, kv.SetJSON(e.ctx, e.store, kv.ItemsKey(e.localID), []model.Item{{ID: "a", Name: "Milk", Quantity: 1, CreatedAt: t0}}))
	e.seedRemote(t, remote.ItemsPath("r1"), map[string]model.Item{"x": {ID: "x", Name: "Bread", Quantity: 1, CreatedAt: t0}})

	local, err := e.bridge.Snapshot(e.ctx, e.localID)
	require.NoError(t, err)
	require.Equal(t, []string{"Milk"}, itemNames(local.Items))

	shared, err := e.bridge.Snapshot(e.ctx, e.sharedID)
	require.NoError(t, err)
	require.Equal(t, []string{"Bread"}, itemNames(shared.Items))

	_, err = e.bridge.Snapshot(e.ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownList)
}

func TestDetachWritesLocalAndReactivates(t *testing.T) {
	e := newEnv(t, nil)
	e.seedRemote(t, remote.ItemsPath("r1"), map[string]model.Item{"x": {ID: "x", Name: "Bread", Quantity: 1, CreatedAt: t0}})
	require.NoError(t, e.bridge.Activate(e.ctx, e.sharedID))
	require.Eventually(t, func() bool { return len(e.containers.Items.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	data, err := e.bridge.Snapshot(e.ctx, e.sharedID)
	require.NoError(t, err)
	require.NoError(t, e.reg.UnlinkList(e.sharedID))
	require.NoError(t, e.bridge.Detach(e.ctx, e.sharedID, &data))

	_, mode := e.bridge.Active()
	require.Equal(t, ModeLocal, mode)
	require.Zero(t, e.mem.Tree().Subscribers())
	require.Equal(t, []string{"Bread"}, itemNames(e.containers.Items.Snapshot()))

	stored, ok, err := kv.GetJSON(e.ctx, e.store, kv.ItemsKey(e.sharedID), model.ValidateItems)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"Bread"}, itemNames(stored))
}

func TestActivateUnknownList(t *testing.T) {
	e := newEnv(t, nil)
	require.ErrorIs(t, e.bridge.Activate(e.ctx, "missing"), ErrUnknownList)
}

func TestRestoreReplacesLocalList(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.bridge.Activate(e.ctx, e.localID))
	_, err := e.containers.Items.Add(e.localID, "Old", 1)
	require.NoError(t, err)

	data := ListData{
		Items:   []model.Item{{ID: "n", Name: "New", Quantity: 4, CreatedAt: t0}},
		History: []model.ShoppingSession{},
	}
	require.NoError(t, e.bridge.Restore(e.ctx, e.localID, data))
	require.Equal(t, []string{"New"}, itemNames(e.containers.Items.Snapshot()))

	stored, ok, err := kv.GetJSON(e.ctx, e.store, kv.ItemsKey(e.localID), model.ValidateItems)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"New"}, itemNames(stored))

	require.ErrorIs(t, e.bridge.Restore(e.ctx, e.sharedID, data), ErrNotLocal)
	require.ErrorIs(t, e.bridge.Restore(e.ctx, "missing", data), ErrUnknownList)
}

func TestReadyWaitsForRemoteLoad(t *testing.T) {
	e := newEnv(t, nil)
	require.ErrorIs(t, e.bridge.Ready(e.ctx), ErrNotActive)

	e.seedRemote(t, remote.ItemsPath("r1"), map[string]model.Item{"x": {ID: "x", Name: "Rice", Quantity: 1, CreatedAt: t0}})
	require.NoError(t, e.bridge.Activate(e.ctx, e.sharedID))

	ctx, cancel := context.WithTimeout(e.ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, e.bridge.Ready(ctx))
	require.Equal(t, []string{"Rice"}, itemNames(e.containers.Items.Snapshot()))

	require.NoError(t, e.bridge.Activate(e.ctx, e.localID))
	require.NoError(t, e.bridge.Ready(ctx))
}

func TestItemChangesSendsOnlyDifferences(t *testing.T) {
	prev := []model.Item{
		{ID: "a", Name: "Apples", Quantity: 1, Order: 0, CreatedAt: t0},
		{ID: "b", Name: "Bread", Quantity: 1, Order: 1, CreatedAt: t0},
		{ID: "c", Name: "Cheese", Quantity: 1, Order: 2, CreatedAt: t0},
	}
	next := []model.Item{
		{ID: "a", Name: "Apples", Quantity: 1, Order: 0, CreatedAt: t0.In(time.Local)},
		{ID: "b", Name: "Bread", Quantity: 1, IsChecked: true, Order: 1, CreatedAt: t0},
		{ID: "d", Name: "Dates", Quantity: 2, Order: 2, CreatedAt: t0},
	}
	got := itemChanges(prev, next)
	require.Len(t, got, 3)
	require.Equal(t, next[1], got["b"])
	require.Equal(t, next[2], got["d"])
	require.Contains(t, got, "c")
	require.Nil(t, got["c"])
}
