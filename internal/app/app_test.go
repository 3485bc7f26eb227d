package app

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukerupert/listsync/internal/bridge"
	"github.com/dukerupert/listsync/internal/config"
	"github.com/dukerupert/listsync/internal/database"
	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
	"github.com/dukerupert/listsync/internal/relay"
	"github.com/dukerupert/listsync/internal/registry"
	"github.com/dukerupert/listsync/internal/remote"
)

func testConfig(t *testing.T, relayURL string) config.Config {
	t.Helper()
	return config.Config{
		DBPath:     filepath.Join(t.TempDir(), "data", "listsync.db"),
		LogLevel:   "error",
		WriteDelay: 20 * time.Millisecond,
		DeviceName: "test",
		RelayURL:   relayURL,
	}
}

func newApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, logging.Discard(), Options{})
	require.NoError(t, err)
	return a
}

func startRelay(t *testing.T) string {
	_, url := startRelayServer(t)
	return url
}

func startRelayServer(t *testing.T) (*relay.Server, string) {
	t.Helper()
	srv, err := relay.NewServer(context.Background(), relay.ServerOptions{Logger: logging.Discard()})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestDataSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "")

	a := newApp(t, cfg)
	meta, err := a.OpenSelected(ctx)
	require.NoError(t, err)
	_, err = a.State.Items.Add(meta.ID, "Coffee", 1)
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))

	b := newApp(t, cfg)
	defer b.Close(ctx)
	again, err := b.OpenSelected(ctx)
	require.NoError(t, err)
	require.Equal(t, meta.ID, again.ID)
	items := b.State.Items.Snapshot()
	require.Len(t, items, 1)
	require.Equal(t, "Coffee", items[0].Name)
}

func TestLegacyDataIsMigratedOnStart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, "")
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700))

	db, err := database.Open(cfg.DBPath)
	require.NoError(t, err)
	store := kv.NewSQLiteStore(db)
	require.NoError(t, store.Set(ctx, kv.LegacyItemsKey,
		`[{"id":"1","name":"Flour","quantity":1,"isChecked":false,"order":0,"createdAt":"2023-05-01T10:00:00Z"}]`))
	require.NoError(t, db.Close())

	a := newApp(t, cfg)
	defer a.Close(ctx)
	require.Len(t, a.Registry.Lists(), 1)
	meta, err := a.OpenSelected(ctx)
	require.NoError(t, err)
	require.Equal(t, "Shopping List", meta.Name)
	require.Equal(t, "Flour", a.State.Items.Snapshot()[0].Name)

	_, ok, err := a.Store.Get(ctx, kv.LegacyItemsKey)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestShareWithoutRelay(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, testConfig(t, ""))
	defer a.Close(ctx)
	meta, err := a.OpenSelected(ctx)
	require.NoError(t, err)

	_, err = a.Sharing.Share(ctx, meta.ID, "test")
	require.ErrorIs(t, err, ErrNoRelay)
	got, _ := a.Registry.Get(meta.ID)
	require.False(t, got.IsShared)
}

func TestShareAndJoinOverRelay(t *testing.T) {
	ctx := context.Background()
	url := startRelay(t)

	owner := newApp(t, testConfig(t, url))
	defer owner.Close(ctx)
	joinerCfg := testConfig(t, url)
	joiner := newApp(t, joinerCfg)

	meta, err := owner.OpenSelected(ctx)
	require.NoError(t, err)
	_, err = owner.State.Items.Add(meta.ID, "Butter", 1)
	require.NoError(t, err)

	code, err := owner.Sharing.Share(ctx, meta.ID, "owner")
	require.NoError(t, err)
	_, mode := owner.Bridge.Active()
	require.Equal(t, bridge.ModeRemote, mode)

	listID, err := joiner.Sharing.JoinList(ctx, code.Code, "joiner")
	require.NoError(t, err)
	require.NoError(t, joiner.Open(ctx, listID))
	require.Equal(t, "Butter", joiner.State.Items.Snapshot()[0].Name)

	_, err = joiner.State.Items.Add(listID, "Jam", 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(owner.State.Items.Snapshot()) == 2
	}, 3*time.Second, 20*time.Millisecond)

	uid := joiner.Remote.UID()
	require.NotEmpty(t, uid)
	require.NoError(t, joiner.Close(ctx))

	db, err := database.Open(joinerCfg.DBPath)
	require.NoError(t, err)
	defer db.Close()
	stored, ok, err := kv.GetJSON[string](ctx, kv.NewSQLiteStore(db), kv.RemoteUIDKey, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uid, stored)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	a := newApp(t, testConfig(t, ""))
	defer a.Close(ctx)

	sel, _ := a.Registry.Selected()
	got, err := a.Resolve("")
	require.NoError(t, err)
	require.Equal(t, sel.ID, got.ID)

	id, err := a.Registry.CreateList("Hardware")
	require.NoError(t, err)
	got, err = a.Resolve("Hardware")
	require.NoError(t, err)
	require.Equal(t, id, got.ID)
	got, err = a.Resolve(id)
	require.NoError(t, err)
	require.Equal(t, "Hardware", got.Name)

	_, err = a.Resolve("Nope")
	require.ErrorIs(t, err, registry.ErrNotFound)

	_, err = a.Registry.CreateList("Hardware")
	require.NoError(t, err)
	_, err = a.Resolve("Hardware")
	require.ErrorContains(t, err, "use the id")
}

func TestExpiredShareRevertsOnNextOpen(t *testing.T) {
	ctx := context.Background()
	srv, url := startRelayServer(t)
	cfg := testConfig(t, url)
	start := time.Now().UTC()
	at := func(d time.Duration) Options {
		return Options{Now: func() time.Time { return start.Add(d) }}
	}

	a, err := New(ctx, cfg, logging.Discard(), at(0))
	require.NoError(t, err)
	meta, err := a.OpenSelected(ctx)
	require.NoError(t, err)
	_, err = a.State.Items.Add(meta.ID, "Tea", 1)
	require.NoError(t, err)
	code, err := a.Sharing.Share(ctx, meta.ID, "phone")
	require.NoError(t, err)
	rid := code.RemoteListID
	require.NoError(t, a.Close(ctx))

	// Reopened while the code is still valid: nothing changes.
	a, err = New(ctx, cfg, logging.Discard(), at(time.Minute))
	require.NoError(t, err)
	_, err = a.OpenSelected(ctx)
	require.NoError(t, err)
	got, _ := a.Registry.Get(meta.ID)
	require.True(t, got.IsShared)
	_, mode := a.Bridge.Active()
	require.Equal(t, bridge.ModeRemote, mode)
	require.NoError(t, a.Close(ctx))

	// Reopened after expiry with nobody joined: the list is local again.
	a, err = New(ctx, cfg, logging.Discard(), at(16*time.Minute))
	require.NoError(t, err)
	defer a.Close(ctx)
	_, err = a.OpenSelected(ctx)
	require.NoError(t, err)
	got, _ = a.Registry.Get(meta.ID)
	require.False(t, got.IsShared)
	require.Nil(t, got.ShareCode)
	_, mode = a.Bridge.Active()
	require.Equal(t, bridge.ModeLocal, mode)
	items := a.State.Items.Snapshot()
	require.Len(t, items, 1)
	require.Equal(t, "Tea", items[0].Name)

	snap, err := srv.Tree().Get(remote.ListPath(rid))
	require.NoError(t, err)
	require.False(t, snap.Exists, "the abandoned list is removed from the relay")
	snap, err = srv.Tree().Get(remote.CodePath(code.Code))
	require.NoError(t, err)
	require.False(t, snap.Exists)
}
