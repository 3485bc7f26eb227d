package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukerupert/listsync/internal/bridge"
	"github.com/dukerupert/listsync/internal/coalesce"
	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/model"
	"github.com/dukerupert/listsync/internal/registry"
	"github.com/dukerupert/listsync/internal/remote"
	"github.com/dukerupert/listsync/internal/state"
)

// device is one phone: its own storage, registry and bridge over a backend
// connection to a tree shared with other devices.
type device struct {
	ctx        context.Context
	store      *kv.Memory
	reg        *registry.Registry
	mem        *remote.Memory
	bridge     *bridge.Bridge
	containers *state.Containers
	proto      *Protocol
	rec        *logging.Recorder
	listID     string
}

func newDevice(t *testing.T, tree *remote.Tree, opts Options) *device {
	t.Helper()
	d := &device{ctx: context.Background(), store: kv.NewMemory(), rec: logging.NewRecorder(nil)}
	sched := coalesce.NewScheduler(d.store, d.rec)
	d.reg = registry.New(d.store, sched, registry.Options{Reporter: d.rec, Logger: logging.Discard()})
	require.NoError(t, d.reg.Load(d.ctx))
	sel, _ := d.reg.Selected()
	d.listID = sel.ID

	d.mem = remote.NewMemory(tree)
	d.bridge = bridge.New(d.reg, sched, d.store, d.mem, bridge.Options{WriteDelay: 50 * time.Millisecond, Reporter: d.rec, Logger: logging.Discard()})
	d.containers = state.NewContainers(d.bridge, state.Options{})
	d.bridge.SetSink(d.containers)
	t.Cleanup(func() { d.bridge.Close(context.Background()) })

	opts.Reporter = d.rec
	opts.Logger = logging.Discard()
	d.proto = New(d.reg, d.bridge, d.mem, opts)
	require.NoError(t, d.bridge.Activate(d.ctx, d.listID))
	return d
}

func (d *device) itemNames() []string {
	items := d.containers.Items.Snapshot()
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Name
	}
	return out
}

func exists(t *testing.T, tree *remote.Tree, path string) bool {
	t.Helper()
	snap, err := tree.Get(path)
	require.NoError(t, err)
	return snap.Exists
}

func seedCode(t *testing.T, tree *remote.Tree, code model.SharingCode) {
	t.Helper()
	raw, err := json.Marshal(code)
	require.NoError(t, err)
	require.NoError(t, tree.Set(remote.CodePath(code.Code), raw))
}

// sequence hands out codes in order, repeating the last one.
func sequence(codes ...string) (CodeGenerator, *int) {
	var mu sync.Mutex
	calls := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		i := calls
		if i >= len(codes) {
			i = len(codes) - 1
		}
		calls++
		return codes[i], nil
	}, &calls
}

func TestShareAndJoin(t *testing.T) {
	tree := remote.NewTree()
	gen, _ := sequence("ABC345")
	a := newDevice(t, tree, Options{Codes: gen})
	b := newDevice(t, tree, Options{})

	_, err := a.containers.Items.Add(a.listID, "Milk", 2)
	require.NoError(t, err)
	_, err = a.containers.Items.Add(a.listID, "Eggs", 1)
	require.NoError(t, err)

	code, err := a.proto.Share(a.ctx, a.listID, "Kitchen phone")
	require.NoError(t, err)
	require.Equal(t, "ABC345", code.Code)
	require.Equal(t, "code-issued", CodeIssued.String())

	meta, _ := a.reg.Get(a.listID)
	require.True(t, meta.IsShared)
	require.Equal(t, code.RemoteListID, meta.Remote())
	require.Equal(t, "ABC345", *meta.ShareCode)
	_, mode := a.bridge.Active()
	require.Equal(t, bridge.ModeRemote, mode)

	rid := code.RemoteListID
	require.True(t, exists(t, tree, remote.MetaPath(rid)))
	n, err := a.proto.MemberCount(a.ctx, rid)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	joined, err := b.proto.JoinList(b.ctx, " abc-345 ", "Tablet")
	require.NoError(t, err)
	bmeta, ok := b.reg.Get(joined)
	require.True(t, ok)
	require.Equal(t, rid, bmeta.Remote())
	require.Equal(t, a.reg.DeviceID(), bmeta.OwnerDeviceID)
	sel, _ := b.reg.Selected()
	require.Equal(t, joined, sel.ID)

	require.Eventually(t, func() bool {
		names := b.itemNames()
		return len(names) == 2 && names[0] == "Milk" && names[1] == "Eggs"
	}, 2*time.Second, 10*time.Millisecond)

	n, err = a.proto.MemberCount(a.ctx, rid)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.False(t, exists(t, tree, remote.CodePath("ABC345")), "code is single-use")
	require.Equal(t, Shared, a.proto.State(a.listID))
}

func remoteItems(t *testing.T, tree *remote.Tree, rid string) map[string]model.Item {
	t.Helper()
	snap, err := tree.Get(remote.ItemsPath(rid))
	require.NoError(t, err)
	items := map[string]model.Item{}
	if snap.Exists {
		require.NoError(t, json.Unmarshal(snap.Value, &items))
	}
	return items
}

func TestEditsKeepItemsAddedByOtherMembers(t *testing.T) {
	tree := remote.NewTree()
	gen, _ := sequence("RST678")
	a := newDevice(t, tree, Options{Codes: gen})
	b := newDevice(t, tree, Options{})

	apples, err := a.containers.Items.Add(a.listID, "Apples", 1)
	require.NoError(t, err)
	milk, err := a.containers.Items.Add(a.listID, "Milk", 1)
	require.NoError(t, err)
	code, err := a.proto.Share(a.ctx, a.listID, "A")
	require.NoError(t, err)
	rid := code.RemoteListID

	joined, err := b.proto.JoinList(b.ctx, code.Code, "B")
	require.NoError(t, err)
	require.NoError(t, b.bridge.Ready(b.ctx))

	bread, err := b.containers.Items.Add(joined, "Bread", 1)
	require.NoError(t, err)
	require.NoError(t, b.bridge.Flush(b.ctx, joined))

	// A edits before B's addition has reached it.
	require.NoError(t, a.containers.Items.ToggleChecked(a.listID, apples.ID))
	require.NoError(t, a.bridge.Flush(a.ctx, a.listID))

	items := remoteItems(t, tree, rid)
	require.Contains(t, items, bread.ID)
	require.True(t, items[apples.ID].IsChecked)

	require.Eventually(t, func() bool {
		got := a.containers.Items.Snapshot()
		if len(got) != 3 {
			return false
		}
		for _, it := range got {
			if it.ID == apples.ID && !it.IsChecked {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, b.containers.Items.Remove(joined, bread.ID))
	require.NoError(t, b.bridge.Flush(b.ctx, joined))
	items = remoteItems(t, tree, rid)
	require.NotContains(t, items, bread.ID)
	require.True(t, items[apples.ID].IsChecked, "removal leaves other entries alone")
	require.Contains(t, remoteItems(t, tree, rid), milk.ID)
}

func TestJoinCodeIsSingleUse(t *testing.T) {
	tree := remote.NewTree()
	gen, _ := sequence("HJK789")
	a := newDevice(t, tree, Options{Codes: gen})
	b := newDevice(t, tree, Options{})
	c := newDevice(t, tree, Options{})

	_, err := a.proto.Share(a.ctx, a.listID, "A")
	require.NoError(t, err)

	_, err = b.proto.Join(b.ctx, "HJK789", "B")
	require.NoError(t, err)
	_, err = c.proto.Join(c.ctx, "HJK789", "C")
	require.ErrorIs(t, err, ErrCodeNotFound)
}

func TestJoinRejectsBadCodes(t *testing.T) {
	tree := remote.NewTree()
	now := time.Now().UTC()
	d := newDevice(t, tree, Options{Now: func() time.Time { return now }})

	_, err := d.proto.Join(d.ctx, "AB", "me")
	require.ErrorIs(t, err, ErrInvalidCode)
	_, err = d.proto.Join(d.ctx, "OOO111", "me")
	require.ErrorIs(t, err, ErrInvalidCode)

	_, err = d.proto.Join(d.ctx, "MNP345", "me")
	require.ErrorIs(t, err, ErrCodeNotFound)

	seedCode(t, tree, model.SharingCode{
		Code: "QRS678", RemoteListID: "r9", ListName: "Old",
		CreatedAt: now.Add(-20 * time.Minute), ExpiresAt: now.Add(-5 * time.Minute),
	})
	_, err = d.proto.Join(d.ctx, "QRS678", "me")
	require.ErrorIs(t, err, ErrCodeNotFound)
	require.False(t, exists(t, tree, remote.CodePath("QRS678")), "expired code is cleaned up")
	require.False(t, exists(t, tree, remote.MembersPath("r9")))
}

func TestIssueCodeRetriesOnCollision(t *testing.T) {
	tree := remote.NewTree()
	now := time.Now().UTC()
	seedCode(t, tree, model.SharingCode{
		Code: "AAAAAA", RemoteListID: "other", ListName: "Theirs",
		CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	})
	gen, calls := sequence("AAAAAA", "BBBBBB")
	d := newDevice(t, tree, Options{Codes: gen, Now: func() time.Time { return now }})

	code, err := d.proto.Share(d.ctx, d.listID, "me")
	require.NoError(t, err)
	require.Equal(t, "BBBBBB", code.Code)
	require.Equal(t, 2, *calls)
	require.Equal(t, now.Add(model.CodeTTL), code.ExpiresAt)

	var theirs model.SharingCode
	snap, err := tree.Get(remote.CodePath("AAAAAA"))
	require.NoError(t, err)
	require.NoError(t, snap.Decode(&theirs))
	require.Equal(t, "other", theirs.RemoteListID)
}

func TestIssueCodeReusesExpiredCode(t *testing.T) {
	tree := remote.NewTree()
	now := time.Now().UTC()
	seedCode(t, tree, model.SharingCode{
		Code: "AAAAAA", RemoteListID: "other",
		CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute),
	})
	gen, _ := sequence("AAAAAA")
	d := newDevice(t, tree, Options{Codes: gen, Now: func() time.Time { return now }})

	code, err := d.proto.Share(d.ctx, d.listID, "me")
	require.NoError(t, err)
	require.Equal(t, "AAAAAA", code.Code)
	require.NotEqual(t, "other", code.RemoteListID)
}

func TestShareFailsWhenCodeSpaceExhausted(t *testing.T) {
	tree := remote.NewTree()
	now := time.Now().UTC()
	seedCode(t, tree, model.SharingCode{
		Code: "AAAAAA", RemoteListID: "other",
		CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	})
	gen, calls := sequence("AAAAAA")
	d := newDevice(t, tree, Options{Codes: gen, Now: func() time.Time { return now }})

	_, err := d.proto.Share(d.ctx, d.listID, "me")
	require.ErrorIs(t, err, ErrCodeSpaceExhausted)
	require.Equal(t, defaultAttempts, *calls)

	meta, _ := d.reg.Get(d.listID)
	require.False(t, meta.IsShared)
	snap, err := tree.Get(remote.ListsRoot)
	require.NoError(t, err)
	require.False(t, snap.Exists, "published list is rolled back")
}

func TestCountdownExpiryAutoUnlinks(t *testing.T) {
	tree := remote.NewTree()
	d := newDevice(t, tree, Options{CodeTTL: 100 * time.Millisecond})
	_, err := d.containers.Items.Add(d.listID, "Bread", 1)
	require.NoError(t, err)

	code, err := d.proto.Share(d.ctx, d.listID, "me")
	require.NoError(t, err)
	cd := d.proto.Watch(d.ctx, d.listID, code)
	require.Equal(t, CodeIssued, d.proto.State(d.listID))

	select {
	case <-cd.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("countdown did not finish")
	}

	meta, _ := d.reg.Get(d.listID)
	require.False(t, meta.IsShared)
	require.Equal(t, NotShared, d.proto.State(d.listID))
	require.False(t, exists(t, tree, remote.ListPath(code.RemoteListID)))
	require.False(t, exists(t, tree, remote.CodePath(code.Code)))

	_, mode := d.bridge.Active()
	require.Equal(t, bridge.ModeLocal, mode)
	require.Equal(t, []string{"Bread"}, d.itemNames())
	items, ok, err := kv.GetJSON[[]model.Item](d.ctx, d.store, kv.ItemsKey(d.listID), nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, items, 1)
}

func TestBlurKeepsListWithSecondMember(t *testing.T) {
	tree := remote.NewTree()
	a := newDevice(t, tree, Options{})
	b := newDevice(t, tree, Options{})

	code, err := a.proto.Share(a.ctx, a.listID, "A")
	require.NoError(t, err)
	cd := a.proto.Watch(a.ctx, a.listID, code)
	_, err = b.proto.JoinList(b.ctx, code.Code, "B")
	require.NoError(t, err)

	unlinked, err := cd.Blur(a.ctx)
	require.NoError(t, err)
	require.False(t, unlinked)
	<-cd.Done()

	meta, _ := a.reg.Get(a.listID)
	require.True(t, meta.IsShared)
	require.Equal(t, Shared, a.proto.State(a.listID))
}

func TestBlurUnlinksLoneSharer(t *testing.T) {
	tree := remote.NewTree()
	d := newDevice(t, tree, Options{})

	code, err := d.proto.Share(d.ctx, d.listID, "A")
	require.NoError(t, err)
	cd := d.proto.Watch(d.ctx, d.listID, code)

	unlinked, err := cd.Blur(d.ctx)
	require.NoError(t, err)
	require.True(t, unlinked)
	meta, _ := d.reg.Get(d.listID)
	require.False(t, meta.IsShared)
	require.False(t, exists(t, tree, remote.ListPath(code.RemoteListID)))
}

func TestAutoUnlinkSwallowsCountFailure(t *testing.T) {
	tree := remote.NewTree()
	d := newDevice(t, tree, Options{})
	_, err := d.proto.Share(d.ctx, d.listID, "A")
	require.NoError(t, err)

	d.mem.FailOn("get", errors.New("offline"))
	unlinked, err := d.proto.AutoUnlink(d.ctx, d.listID)
	require.NoError(t, err)
	require.False(t, unlinked)
	require.Contains(t, d.rec.Ops(), "sharing.member_count")

	meta, _ := d.reg.Get(d.listID)
	require.True(t, meta.IsShared)
}

func TestAutoUnlinkIgnoresLocalLists(t *testing.T) {
	d := newDevice(t, remote.NewTree(), Options{})
	unlinked, err := d.proto.AutoUnlink(d.ctx, d.listID)
	require.NoError(t, err)
	require.False(t, unlinked)
	require.Zero(t, d.mem.Calls("get"))
}

func TestUnlinkLeavesOthersInPlace(t *testing.T) {
	tree := remote.NewTree()
	a := newDevice(t, tree, Options{})
	b := newDevice(t, tree, Options{})

	_, err := a.containers.Items.Add(a.listID, "Apples", 3)
	require.NoError(t, err)
	code, err := a.proto.Share(a.ctx, a.listID, "A")
	require.NoError(t, err)
	rid := code.RemoteListID

	joined, err := b.proto.JoinList(b.ctx, code.Code, "B")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(b.itemNames()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, b.proto.Unlink(b.ctx, joined))
	bmeta, _ := b.reg.Get(joined)
	require.False(t, bmeta.IsShared)
	require.Equal(t, []string{"Apples"}, b.itemNames(), "leaver keeps a local copy")

	n, err := a.proto.MemberCount(a.ctx, rid)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.True(t, exists(t, tree, remote.ItemsPath(rid)))

	require.NoError(t, a.proto.Unlink(a.ctx, a.listID))
	require.False(t, exists(t, tree, remote.ListPath(rid)), "last member removes the list")

	require.ErrorIs(t, a.proto.Unlink(a.ctx, a.listID), ErrNotShared)
	require.ErrorIs(t, a.proto.Unlink(a.ctx, "nope"), ErrUnknownList)
}

func TestUnlinkKeepsReissuedCode(t *testing.T) {
	tree := remote.NewTree()
	genA, _ := sequence("QRS456")
	genD, _ := sequence("QRS456")
	a := newDevice(t, tree, Options{Codes: genA})
	b := newDevice(t, tree, Options{})
	d := newDevice(t, tree, Options{Codes: genD})

	code, err := a.proto.Share(a.ctx, a.listID, "A")
	require.NoError(t, err)
	_, err = b.proto.JoinList(b.ctx, code.Code, "B")
	require.NoError(t, err)

	other, err := d.proto.Share(d.ctx, d.listID, "D")
	require.NoError(t, err)
	require.Equal(t, "QRS456", other.Code)

	require.NoError(t, a.proto.Unlink(a.ctx, a.listID))
	require.True(t, exists(t, tree, remote.CodePath("QRS456")), "code now belongs to another list")
	require.True(t, exists(t, tree, remote.ListPath(code.RemoteListID)), "B is still a member")

	_, err = b.proto.Join(b.ctx, "QRS456", "B")
	require.NoError(t, err)
	n, err := d.proto.MemberCount(d.ctx, other.RemoteListID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestReconcileUnlinksAfterExpiry(t *testing.T) {
	tree := remote.NewTree()
	now := time.Now().UTC()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	gen, _ := sequence("UVW789")
	a := newDevice(t, tree, Options{Codes: gen, Now: clock})

	_, err := a.containers.Items.Add(a.listID, "Rice", 1)
	require.NoError(t, err)
	code, err := a.proto.Share(a.ctx, a.listID, "A")
	require.NoError(t, err)

	unlinked, err := a.proto.Reconcile(a.ctx, a.listID)
	require.NoError(t, err)
	require.False(t, unlinked, "code still outstanding")

	mu.Lock()
	now = now.Add(16 * time.Minute)
	mu.Unlock()
	unlinked, err = a.proto.Reconcile(a.ctx, a.listID)
	require.NoError(t, err)
	require.True(t, unlinked)
	meta, _ := a.reg.Get(a.listID)
	require.False(t, meta.IsShared)
	require.Equal(t, []string{"Rice"}, a.itemNames())
	require.False(t, exists(t, tree, remote.ListPath(code.RemoteListID)))
	require.False(t, exists(t, tree, remote.CodePath(code.Code)))

	unlinked, err = a.proto.Reconcile(a.ctx, a.listID)
	require.NoError(t, err)
	require.False(t, unlinked, "local lists are left alone")
}

func TestReconcileKeepsJoinedList(t *testing.T) {
	tree := remote.NewTree()
	gen, _ := sequence("XYZ345")
	a := newDevice(t, tree, Options{Codes: gen})
	b := newDevice(t, tree, Options{})

	code, err := a.proto.Share(a.ctx, a.listID, "A")
	require.NoError(t, err)
	_, err = b.proto.Join(b.ctx, code.Code, "B")
	require.NoError(t, err)

	unlinked, err := a.proto.Reconcile(a.ctx, a.listID)
	require.NoError(t, err)
	require.False(t, unlinked)
	require.Equal(t, Shared, a.proto.State(a.listID))
}

func TestUnlinkRevertsLocallyWhenOffline(t *testing.T) {
	tree := remote.NewTree()
	d := newDevice(t, tree, Options{})
	_, err := d.containers.Items.Add(d.listID, "Tea", 1)
	require.NoError(t, err)
	_, err = d.proto.Share(d.ctx, d.listID, "A")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(d.itemNames()) == 1 }, 2*time.Second, 10*time.Millisecond)

	d.mem.FailOn("update", errors.New("offline"))
	require.NoError(t, d.proto.Unlink(d.ctx, d.listID))

	meta, _ := d.reg.Get(d.listID)
	require.False(t, meta.IsShared)
	require.Contains(t, d.rec.Ops(), "sharing.leave")
	require.Equal(t, []string{"Tea"}, d.itemNames())
}

func TestReshareIssuesFreshCode(t *testing.T) {
	tree := remote.NewTree()
	gen, _ := sequence("CDE345", "FGH678")
	d := newDevice(t, tree, Options{Codes: gen})

	first, err := d.proto.Share(d.ctx, d.listID, "A")
	require.NoError(t, err)
	second, err := d.proto.Share(d.ctx, d.listID, "A")
	require.NoError(t, err)
	require.Equal(t, first.RemoteListID, second.RemoteListID)
	require.Equal(t, "FGH678", second.Code)

	meta, _ := d.reg.Get(d.listID)
	require.Equal(t, "FGH678", *meta.ShareCode)
}

func TestRandomCodesAreValid(t *testing.T) {
	gen := RandomCodes(nil)
	for i := 0; i < 200; i++ {
		code, err := gen()
		require.NoError(t, err)
		require.True(t, model.ValidCode(code), code)
	}
}
