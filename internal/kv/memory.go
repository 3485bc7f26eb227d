package kv

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store. Tests use it to count writes and inject
// failures.
type Memory struct {
	mu       sync.Mutex
	data     map[string]string
	writes   map[string]int
	failures map[string]error
}

func NewMemory() *Memory {
	return &Memory{
		data:     make(map[string]string),
		writes:   make(map[string]int),
		failures: make(map[string]error),
	}
}

// FailOn makes every subsequent call of op ("get", "set", "remove",
// "multiGet", "multiSet", "multiRemove") return err. A nil err clears it.
func (m *Memory) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Writes returns how many times key was written through Set or MultiSet.
func (m *Memory) Writes(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes[key]
}

// Snapshot returns a copy of all stored entries.
func (m *Memory) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.data))
	for k, v := range m.data {
		out[k] = v
	}
	return out
}

// Keys returns every stored key with the given prefix, sorted.
func (m *Memory) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["get"]; err != nil {
		return "", false, err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["set"]; err != nil {
		return err
	}
	m.data[key] = value
	m.writes[key]++
	return nil
}

func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["remove"]; err != nil {
		return err
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) MultiGet(_ context.Context, keys []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["multiGet"]; err != nil {
		return nil, err
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *Memory) MultiSet(_ context.Context, entries map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["multiSet"]; err != nil {
		return err
	}
	for k, v := range entries {
		m.data[k] = v
		m.writes[k]++
	}
	return nil
}

func (m *Memory) MultiRemove(_ context.Context, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failures["multiRemove"]; err != nil {
		return err
	}
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}
