package remote

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
)

// Tree is an in-memory JSON document addressed by slash-separated paths.
// Empty objects and nulls are pruned, so a path either holds a value or does
// not exist. Subscribers are told about every change that alters the value
// at their path; delivery is asynchronous and collapses to the latest value.
type Tree struct {
	mu      sync.Mutex
	root    map[string]any
	subs    map[uint64]*subscription
	nextSub uint64
	hooks   []func(paths []string)
}

func NewTree() *Tree {
	return &Tree{
		root: make(map[string]any),
		subs: make(map[uint64]*subscription),
	}
}

// OnChange registers fn to be called with the changed paths after every
// mutation. fn runs outside the tree lock and may read the tree.
func (t *Tree) OnChange(fn func(paths []string)) {
	t.mu.Lock()
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

func (t *Tree) Get(path string) (Snapshot, error) {
	segs, err := Split(path)
	if err != nil {
		return Snapshot{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked(path, segs)
}

func (t *Tree) snapshotLocked(path string, segs []string) (Snapshot, error) {
	v, ok := lookup(t.root, segs)
	if !ok {
		return Snapshot{Path: path}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal %s: %w", path, err)
	}
	return Snapshot{Path: path, Value: raw, Exists: true}, nil
}

// Set replaces the value at path with raw JSON. null removes the value.
func (t *Tree) Set(path string, raw json.RawMessage) error {
	return t.Update("", map[string]json.RawMessage{path: raw})
}

func (t *Tree) Remove(path string) error {
	return t.Set(path, nil)
}

// Update applies every entry atomically. Keys are paths relative to base.
// Subscribers observe either none or all of the entries.
func (t *Tree) Update(base string, values map[string]json.RawMessage) error {
	baseSegs, err := Split(base)
	if err != nil {
		return err
	}
	type change struct {
		segs  []string
		value any
	}
	changes := make([]change, 0, len(values))
	for rel, raw := range values {
		relSegs, err := Split(rel)
		if err != nil {
			return err
		}
		v, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("value for %s: %w", rel, err)
		}
		segs := append(append([]string{}, baseSegs...), relSegs...)
		changes = append(changes, change{segs: segs, value: v})
	}
	if len(changes) == 0 {
		return nil
	}
	for i := range changes {
		for j := i + 1; j < len(changes); j++ {
			if Related(changes[i].segs, changes[j].segs) {
				return fmt.Errorf("%w: overlapping update paths %q and %q",
					ErrInvalidPath, Join(changes[i].segs...), Join(changes[j].segs...))
			}
		}
	}

	t.mu.Lock()
	paths := make([]string, 0, len(changes))
	changed := make([][]string, 0, len(changes))
	for _, c := range changes {
		t.setLocked(c.segs, c.value)
		paths = append(paths, Join(c.segs...))
		changed = append(changed, c.segs)
	}
	t.notifyLocked(changed)
	hooks := append([]func([]string){}, t.hooks...)
	t.mu.Unlock()

	for _, fn := range hooks {
		fn(paths)
	}
	return nil
}

func (t *Tree) setLocked(segs []string, v any) {
	if len(segs) == 0 {
		m, ok := v.(map[string]any)
		if !ok {
			m = make(map[string]any)
		}
		t.root = m
		return
	}
	setIn(t.root, segs, v)
}

// Subscribe calls fn with the current value at path and after every change
// to it. The returned func stops delivery; no new callback starts after it
// returns.
func (t *Tree) Subscribe(path string, fn func(Snapshot)) (func(), error) {
	segs, err := Split(path)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	snap, err := t.snapshotLocked(path, segs)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	id := t.nextSub
	t.nextSub++
	sub := &subscription{
		path:   path,
		segs:   segs,
		fn:     fn,
		last:   snap.Value,
		exists: snap.Exists,
		wake:   make(chan struct{}, 1),
	}
	t.subs[id] = sub
	sub.push(snap)
	t.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			sub.stop()
		})
	}, nil
}

// Subscribers returns the number of live subscriptions.
func (t *Tree) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close stops every subscription.
func (t *Tree) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[uint64]*subscription)
	t.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
}

func (t *Tree) notifyLocked(changed [][]string) {
	for _, sub := range t.subs {
		related := false
		for _, segs := range changed {
			if Related(sub.segs, segs) {
				related = true
				break
			}
		}
		if !related {
			continue
		}
		snap, err := t.snapshotLocked(sub.path, sub.segs)
		if err != nil {
			continue
		}
		if snap.Exists == sub.exists && bytes.Equal(snap.Value, sub.last) {
			continue
		}
		sub.last = snap.Value
		sub.exists = snap.Exists
		sub.push(snap)
	}
}

type subscription struct {
	path   string
	segs   []string
	fn     func(Snapshot)
	last   []byte
	exists bool

	mu      sync.Mutex
	next    *Snapshot
	stopped bool
	wake    chan struct{}
}

func (s *subscription) push(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.next = &snap
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for range s.wake {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		snap := s.next
		s.next = nil
		s.mu.Unlock()
		if snap != nil {
			s.fn(*snap)
		}
	}
}

func (s *subscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.wake)
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return prune(v), nil
}

// prune drops nulls and empty objects so that absence has one representation.
func prune(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, child := range x {
			if p := prune(child); p == nil {
				delete(x, k)
			} else {
				x[k] = p
			}
		}
		if len(x) == 0 {
			return nil
		}
		return x
	case []any:
		if len(x) == 0 {
			return nil
		}
		return x
	default:
		return v
	}
}

func lookup(node map[string]any, segs []string) (any, bool) {
	var cur any = node
	for _, s := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[s]
		if !ok {
			return nil, false
		}
	}
	if m, ok := cur.(map[string]any); ok && len(m) == 0 {
		return nil, false
	}
	return cur, true
}

func setIn(m map[string]any, segs []string, v any) {
	if len(segs) == 1 {
		if v == nil {
			delete(m, segs[0])
		} else {
			m[segs[0]] = v
		}
		return
	}
	child, ok := m[segs[0]].(map[string]any)
	if !ok {
		if v == nil {
			return
		}
		child = make(map[string]any)
		m[segs[0]] = child
	}
	setIn(child, segs[1:], v)
	if len(child) == 0 {
		delete(m, segs[0])
	}
}
