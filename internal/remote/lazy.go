package remote

import (
	"context"
	"io"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Factory builds the real backend, typically by dialing it.
type Factory func(ctx context.Context) (Backend, error)

// Lazy is a Backend that builds its underlying backend on first use and
// reuses it for the life of the process. Concurrent first calls share one
// construction and one anonymous sign-in. A failed construction or sign-in
// is retried on the next call.
type Lazy struct {
	factory Factory
	group   singleflight.Group

	mu      sync.Mutex
	backend Backend
	uid     string
	closed  bool
}

func NewLazy(factory Factory) *Lazy {
	return &Lazy{factory: factory}
}

func (l *Lazy) get(ctx context.Context) (Backend, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	if b := l.backend; b != nil {
		l.mu.Unlock()
		return b, nil
	}
	l.mu.Unlock()

	v, err, _ := l.group.Do("backend", func() (any, error) {
		l.mu.Lock()
		if b := l.backend; b != nil {
			l.mu.Unlock()
			return b, nil
		}
		l.mu.Unlock()

		b, err := l.factory(ctx)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.closed {
			closeBackend(b)
			return nil, ErrClosed
		}
		l.backend = b
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Backend), nil
}

// UID returns the signed-in user id, or "" before the first sign-in.
func (l *Lazy) UID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.uid
}

func (l *Lazy) SignInAnonymously(ctx context.Context) (string, error) {
	l.mu.Lock()
	uid := l.uid
	l.mu.Unlock()
	if uid != "" {
		return uid, nil
	}

	v, err, _ := l.group.Do("signin", func() (any, error) {
		b, err := l.get(ctx)
		if err != nil {
			return "", err
		}
		uid, err := b.SignInAnonymously(ctx)
		if err != nil {
			return "", err
		}
		l.mu.Lock()
		l.uid = uid
		l.mu.Unlock()
		return uid, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (l *Lazy) Get(ctx context.Context, path string) (Snapshot, error) {
	b, err := l.get(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return b.Get(ctx, path)
}

func (l *Lazy) Set(ctx context.Context, path string, value any) error {
	b, err := l.get(ctx)
	if err != nil {
		return err
	}
	return b.Set(ctx, path, value)
}

func (l *Lazy) Update(ctx context.Context, path string, values map[string]any) error {
	b, err := l.get(ctx)
	if err != nil {
		return err
	}
	return b.Update(ctx, path, values)
}

func (l *Lazy) Remove(ctx context.Context, path string) error {
	b, err := l.get(ctx)
	if err != nil {
		return err
	}
	return b.Remove(ctx, path)
}

func (l *Lazy) OnValue(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	b, err := l.get(ctx)
	if err != nil {
		return nil, err
	}
	return b.OnValue(ctx, path, fn)
}

// Close releases the underlying backend if it was ever built.
func (l *Lazy) Close() error {
	l.mu.Lock()
	b := l.backend
	l.backend = nil
	l.closed = true
	l.mu.Unlock()
	return closeBackend(b)
}

func closeBackend(b Backend) error {
	if c, ok := b.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
