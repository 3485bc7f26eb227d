package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	c := newCLI()
	root := c.root()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	if c.app != nil {
		require.NoError(t, c.app.Close(context.Background()))
	}
	return out.String(), err
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := run(t, args...)
	require.NoError(t, err, "listsync %s", strings.Join(args, " "))
	return out
}

func TestShoppingTripFlow(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LISTSYNC_DB_PATH", filepath.Join(dir, "listsync.db"))
	t.Setenv("LISTSYNC_LOG_LEVEL", "error")

	require.Contains(t, mustRun(t, "lists"), "Shopping List")
	require.Contains(t, mustRun(t, "lists", "create", "Hardware"), `Created "Hardware"`)

	out := mustRun(t, "items", "add", "Milk", "-q", "2")
	require.Contains(t, out, "Milk")
	require.Contains(t, out, "x2")
	mustRun(t, "items", "add", "Nails", "--list", "Hardware")

	require.Contains(t, mustRun(t, "items", "check", "milk"), "[x]")
	require.Contains(t, mustRun(t, "session", "start"), "0 of 1 bought")
	require.Contains(t, mustRun(t, "session", "bought", "Milk"), "1 of 1 bought")
	require.Contains(t, mustRun(t, "session", "finish"), "Trip finished: 1 of 1 bought")
	require.Contains(t, mustRun(t, "session"), "No shopping trip in progress")
	require.Contains(t, mustRun(t, "history"), "1/1 bought")

	require.Contains(t, mustRun(t, "items", "dec", "Milk"), "x1")
	require.Contains(t, mustRun(t, "items", "dec", "Milk"), "x1")

	hw := mustRun(t, "items", "-l", "Hardware")
	require.Contains(t, hw, "Nails")
	require.NotContains(t, hw, "Milk")

	_, err := run(t, "items", "rm", "Bread")
	require.ErrorContains(t, err, "Bread")
}

func TestExportImport(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LISTSYNC_DB_PATH", filepath.Join(dir, "listsync.db"))
	t.Setenv("LISTSYNC_LOG_LEVEL", "error")

	mustRun(t, "items", "add", "Tea")
	file := filepath.Join(dir, "export.lsx")

	_, err := run(t, "export", "-o", file)
	require.ErrorContains(t, err, "passphrase")

	require.Contains(t, mustRun(t, "export", "--passphrase", "pw", "-o", file), "Exported")

	t.Setenv("LISTSYNC_PASSPHRASE", "wrong")
	_, err = run(t, "import", file)
	require.Error(t, err)

	t.Setenv("LISTSYNC_PASSPHRASE", "pw")
	require.Contains(t, mustRun(t, "import", file), `Imported "Shopping List"`)

	lists := mustRun(t, "lists")
	require.Equal(t, 2, strings.Count(lists, "Shopping List"))

	_, err = run(t, "backups")
	require.ErrorIs(t, err, errNoBucket)
}

func TestShareNeedsRelay(t *testing.T) {
	t.Setenv("LISTSYNC_DB_PATH", filepath.Join(t.TempDir(), "listsync.db"))
	t.Setenv("LISTSYNC_LOG_LEVEL", "error")
	t.Setenv("LISTSYNC_RELAY_URL", "")

	_, err := run(t, "share")
	require.ErrorContains(t, err, "no relay configured")
	require.Contains(t, mustRun(t, "share", "status"), "local to this device")
}
