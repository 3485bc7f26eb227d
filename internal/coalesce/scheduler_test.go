package coalesce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
)

func newTestScheduler(t *testing.T) (*Scheduler, *kv.Memory, *logging.Recorder) {
	t.Helper()
	store := kv.NewMemory()
	rec := logging.NewRecorder(nil)
	return NewScheduler(store, rec), store, rec
}

func TestScheduleCoalescesToOneWrite(t *testing.T) {
	s, store, _ := newTestScheduler(t)

	for i := 1; i <= 20; i++ {
		s.Schedule("items", []int{i}, 40*time.Millisecond)
	}
	require.True(t, s.Pending("items"))

	require.Eventually(t, func() bool { return store.Writes("items") == 1 }, time.Second, 5*time.Millisecond)
	// Give a stray duplicate time to show up.
	time.Sleep(80 * time.Millisecond)

	require.Equal(t, 1, store.Writes("items"))
	v, ok, err := store.Get(context.Background(), "items")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "[20]", v)
	require.False(t, s.Pending("items"))
}

func TestFlushWritesLatestAndCancelsTimer(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	s.Schedule("session", map[string]int{"n": 1}, 50*time.Millisecond)
	s.Schedule("session", map[string]int{"n": 2}, 50*time.Millisecond)

	require.NoError(t, s.Flush(ctx, "session"))
	v, ok, _ := store.Get(ctx, "session")
	require.True(t, ok)
	require.Equal(t, `{"n":2}`, v)

	time.Sleep(120 * time.Millisecond)
	require.Equal(t, 1, store.Writes("session"), "timer must not produce a second write")
}

func TestFlushWithNothingPendingIsNoop(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	require.NoError(t, s.Flush(context.Background(), "nothing"))
	require.Equal(t, 0, store.Writes("nothing"))
}

func TestKeysAreIndependent(t *testing.T) {
	s, store, _ := newTestScheduler(t)

	s.Schedule("a", "x", 10*time.Millisecond)
	s.Schedule("b", "y", 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return store.Writes("a") == 1 && store.Writes("b") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWriteFailureIsReportedNotRetried(t *testing.T) {
	s, store, rec := newTestScheduler(t)
	store.FailOn("set", errors.New("disk full"))

	s.Schedule("items", "x", 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(rec.Failures()) == 1 }, time.Second, 5*time.Millisecond)

	f := rec.Failures()[0]
	require.Equal(t, "coalesce.write", f.Op)
	require.Equal(t, "items", f.Key)

	time.Sleep(40 * time.Millisecond)
	require.Len(t, rec.Failures(), 1)
	require.False(t, s.Pending("items"))
}

func TestFlushReturnsWriteError(t *testing.T) {
	s, store, rec := newTestScheduler(t)
	store.FailOn("set", errors.New("disk full"))

	s.Schedule("history", "x", time.Hour)
	require.Error(t, s.Flush(context.Background(), "history"))
	require.Equal(t, []string{"coalesce.flush"}, rec.Ops())
}

func TestCancelDropsPendingWrite(t *testing.T) {
	s, store, _ := newTestScheduler(t)

	s.Schedule("items", "x", 20*time.Millisecond)
	s.Cancel("items")
	time.Sleep(60 * time.Millisecond)

	require.Equal(t, 0, store.Writes("items"))
	require.False(t, s.Pending("items"))

	// Scheduling again after a cancel still works.
	s.Schedule("items", "y", time.Millisecond)
	require.Eventually(t, func() bool { return store.Writes("items") == 1 }, time.Second, 5*time.Millisecond)
}

func TestFlushAll(t *testing.T) {
	s, store, _ := newTestScheduler(t)

	s.Schedule("a", 1, time.Hour)
	s.Schedule("b", 2, time.Hour)
	require.NoError(t, s.FlushAll(context.Background()))

	snap := store.Snapshot()
	require.Equal(t, "1", snap["a"])
	require.Equal(t, "2", snap["b"])
}

func TestOlderWriteNeverOverwritesNewer(t *testing.T) {
	s, store, _ := newTestScheduler(t)
	ctx := context.Background()

	s.Schedule("k", "old", time.Hour)
	require.NoError(t, s.Flush(ctx, "k"))
	s.Schedule("k", "new", time.Hour)
	require.NoError(t, s.Flush(ctx, "k"))

	// Replaying the first payload's sequence number must be ignored.
	require.NoError(t, s.write(ctx, "k", "old", 1))
	v, _, _ := store.Get(ctx, "k")
	require.Equal(t, `"new"`, v)
}
