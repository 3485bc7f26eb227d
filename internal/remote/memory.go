package remote

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Memory is a Backend over a Tree. Several Memory values can share one Tree
// to stand in for several devices talking to the same backend.
type Memory struct {
	tree *Tree

	mu       sync.Mutex
	uid      string
	signIns  int
	failures map[string]error
	calls    map[string]int
}

// NewMemory returns a backend over tree, or over a fresh tree when tree is nil.
func NewMemory(tree *Tree) *Memory {
	if tree == nil {
		tree = NewTree()
	}
	return &Memory{
		tree:     tree,
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

func (m *Memory) Tree() *Tree { return m.tree }

// FailOn makes every later call of op ("signIn", "get", "set", "update",
// "remove", "onValue") return err. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked, failed calls included.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// SignIns returns how many sign-ins actually created an identity.
func (m *Memory) SignIns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signIns
}

func (m *Memory) enter(op string, needAuth bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if err := m.failures[op]; err != nil {
		return err
	}
	if needAuth && m.uid == "" {
		return ErrNotSignedIn
	}
	return nil
}

func (m *Memory) SignInAnonymously(ctx context.Context) (string, error) {
	if err := m.enter("signIn", false); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.uid == "" {
		m.uid = uuid.NewString()
		m.signIns++
	}
	return m.uid, nil
}

func (m *Memory) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := m.enter("get", true); err != nil {
		return Snapshot{}, err
	}
	return m.tree.Get(path)
}

func (m *Memory) Set(ctx context.Context, path string, value any) error {
	if err := m.enter("set", true); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return err
	}
	return m.tree.Set(path, raw)
}

func (m *Memory) Update(ctx context.Context, path string, values map[string]any) error {
	if err := m.enter("update", true); err != nil {
		return err
	}
	raws := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		raw, err := encode(v)
		if err != nil {
			return err
		}
		raws[k] = raw
	}
	return m.tree.Update(path, raws)
}

func (m *Memory) Remove(ctx context.Context, path string) error {
	if err := m.enter("remove", true); err != nil {
		return err
	}
	return m.tree.Remove(path)
}

func (m *Memory) OnValue(ctx context.Context, path string, fn func(Snapshot)) (func(), error) {
	if err := m.enter("onValue", true); err != nil {
		return nil, err
	}
	return m.tree.Subscribe(path, fn)
}
