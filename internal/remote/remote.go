// Package remote defines the contract of the shared real-time backend and
// ships an in-memory implementation used by tests and by the relay server.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotSignedIn = errors.New("remote: not signed in")
	ErrNotExist    = errors.New("remote: no value at path")
	ErrInvalidPath = errors.New("remote: invalid path")
	ErrClosed      = errors.New("remote: backend closed")
)

// Snapshot is the value found at a path at one point in time.
type Snapshot struct {
	Path   string
	Value  json.RawMessage
	Exists bool
}

// Decode unmarshals the snapshot value into v. It returns ErrNotExist for an
// absent value.
func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return ErrNotExist
	}
	if err := json.Unmarshal(s.Value, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return nil
}

// Backend is a hierarchical JSON store with anonymous identity and
// per-path change subscriptions.
type Backend interface {
	// SignInAnonymously returns a stable user id for this client.
	SignInAnonymously(ctx context.Context) (string, error)
	Get(ctx context.Context, path string) (Snapshot, error)
	// Set replaces the value at path. A nil value removes it.
	Set(ctx context.Context, path string, value any) error
	// Update applies every entry of values, keyed by paths relative to path,
	// as one atomic change. A nil entry removes that path.
	Update(ctx context.Context, path string, values map[string]any) error
	Remove(ctx context.Context, path string) error
	// OnValue calls fn with the current value at path and again whenever it
	// changes. The returned func stops the subscription.
	OnValue(ctx context.Context, path string, fn func(Snapshot)) (func(), error)
}

// encode turns a Go value into raw JSON. nil becomes JSON null.
func encode(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	return b, nil
}
