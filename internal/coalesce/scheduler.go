// Package coalesce batches rapid writes to the same storage key into a single
// delayed write of the latest value.
package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dukerupert/listsync/internal/kv"
	"github.com/dukerupert/listsync/internal/logging"
)

type pending struct {
	value any
	seq   uint64
	timer *time.Timer
}

// Scheduler coalesces writes per key. It is safe for concurrent use.
type Scheduler struct {
	store    kv.Store
	reporter logging.Reporter

	mu       sync.Mutex
	idle     *sync.Cond
	pending  map[string]*pending
	inflight map[string]int
	seq      uint64

	// locks serialize writes per key and written holds the newest sequence
	// number that reached the store for each key. writeMu guards both maps.
	writeMu sync.Mutex
	locks   map[string]*sync.Mutex
	written map[string]uint64

	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler writing to store. Failed background writes
// go to reporter.
func NewScheduler(store kv.Store, reporter logging.Reporter) *Scheduler {
	s := &Scheduler{
		store:    store,
		reporter: reporter,
		pending:  make(map[string]*pending),
		inflight: make(map[string]int),
		locks:    make(map[string]*sync.Mutex),
		written:  make(map[string]uint64),
	}
	s.idle = sync.NewCond(&s.mu)
	return s
}

// Schedule records value as the latest payload for key and restarts the
// delay timer. value is serialized when the write happens, so callers must
// not mutate it afterwards.
func (s *Scheduler) Schedule(key string, value any, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	p, ok := s.pending[key]
	if ok {
		p.timer.Stop()
	} else {
		p = &pending{}
		s.pending[key] = p
	}
	p.value = value
	p.seq = s.seq

	seq := p.seq
	p.timer = time.AfterFunc(delay, func() { s.fire(key, seq) })
}

func (s *Scheduler) fire(key string, seq uint64) {
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok || p.seq != seq {
		// Superseded by a later Schedule or taken by Flush/Cancel.
		s.mu.Unlock()
		return
	}
	delete(s.pending, key)
	value := p.value
	s.inflight[key]++
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inflight[key]--
		if s.inflight[key] == 0 {
			delete(s.inflight, key)
		}
		s.idle.Broadcast()
		s.mu.Unlock()
		s.wg.Done()
	}()
	if err := s.write(context.Background(), key, value, seq); err != nil {
		s.reporter.Report(context.Background(), logging.Failure{Op: "coalesce.write", Key: key, Err: err})
	}
}

// Flush cancels any pending timer for key and writes the pending value now.
// It is a no-op when nothing is pending. The write error is returned and
// also reported.
func (s *Scheduler) Flush(ctx context.Context, key string) error {
	s.mu.Lock()
	p, ok := s.pending[key]
	if !ok {
		// A timer may have fired just before; wait for its write to land so
		// the caller observes durable state.
		for s.inflight[key] > 0 {
			s.idle.Wait()
		}
		s.mu.Unlock()
		return nil
	}
	p.timer.Stop()
	delete(s.pending, key)
	value, seq := p.value, p.seq
	s.mu.Unlock()

	if err := s.write(ctx, key, value, seq); err != nil {
		s.reporter.Report(ctx, logging.Failure{Op: "coalesce.flush", Key: key, Err: err})
		return err
	}
	return nil
}

// FlushAll flushes every pending key and waits for in-flight writes.
func (s *Scheduler) FlushAll(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := s.Flush(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	s.wg.Wait()
	return errors.Join(errs...)
}

// Cancel drops the pending write for key, if any, and waits for an
// in-flight write of an older payload so nothing lands after Cancel returns.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	if p, ok := s.pending[key]; ok {
		p.timer.Stop()
		delete(s.pending, key)
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	l := s.keyLock(key)
	l.Lock()
	s.writeMu.Lock()
	if s.written[key] < seq {
		s.written[key] = seq
	}
	s.writeMu.Unlock()
	l.Unlock()
}

// Pending reports whether a write for key is waiting on its timer.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

func (s *Scheduler) keyLock(key string) *sync.Mutex {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// write stores value unless a newer payload for the same key already landed.
func (s *Scheduler) write(ctx context.Context, key string, value any, seq uint64) error {
	l := s.keyLock(key)
	l.Lock()
	defer l.Unlock()

	s.writeMu.Lock()
	stale := s.written[key] > seq
	s.writeMu.Unlock()
	if stale {
		return nil
	}

	raw, err := kv.Encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.store.Set(ctx, key, raw); err != nil {
		return err
	}

	s.writeMu.Lock()
	s.written[key] = seq
	s.writeMu.Unlock()
	return nil
}
