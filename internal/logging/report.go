package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Failure describes a background operation that did not complete. Failures are
// never fatal: the caller has already moved on with its in-memory state.
type Failure struct {
	Op  string
	Key string
	Err error
	At  time.Time
}

// Reporter is the single place fire-and-forget failures are sent to.
type Reporter interface {
	Report(ctx context.Context, f Failure)
}

// SlogReporter logs failures at warn level.
type SlogReporter struct {
	logger *slog.Logger
}

func NewSlogReporter(logger *slog.Logger) *SlogReporter {
	return &SlogReporter{logger: logger}
}

func (r *SlogReporter) Report(ctx context.Context, f Failure) {
	r.logger.WarnContext(ctx, "background operation failed",
		"op", f.Op,
		"key", f.Key,
		"error", f.Err,
	)
}

// Recorder keeps every reported failure in memory so tests can assert on them.
// It optionally forwards to another Reporter.
type Recorder struct {
	mu       sync.Mutex
	failures []Failure
	next     Reporter
}

func NewRecorder(next Reporter) *Recorder {
	return &Recorder{next: next}
}

func (r *Recorder) Report(ctx context.Context, f Failure) {
	if f.At.IsZero() {
		f.At = time.Now().UTC()
	}
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
	if r.next != nil {
		r.next.Report(ctx, f)
	}
}

// Failures returns a copy of everything recorded so far.
func (r *Recorder) Failures() []Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Failure, len(r.failures))
	copy(out, r.failures)
	return out
}

// Ops returns the Op of each recorded failure, in order.
func (r *Recorder) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]string, 0, len(r.failures))
	for _, f := range r.failures {
		ops = append(ops, f.Op)
	}
	return ops
}
