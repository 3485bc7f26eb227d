// Package state holds the observable in-memory item list and shopping
// session of the active list. Every mutation updates memory first and then
// hands the result to a Persister.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/listsync/internal/model"
)

var (
	ErrStaleList        = errors.New("operation targets a list that is no longer loaded")
	ErrItemNotFound     = errors.New("item not found")
	ErrInvalidOrder     = errors.New("reorder must list every item exactly once")
	ErrNoActiveSession  = errors.New("no shopping session in progress")
	ErrSessionActive    = errors.New("a shopping session is already in progress")
	ErrNothingChecked   = errors.New("no checked items to shop for")
	ErrFinishInProgress = errors.New("session is already being finished")
	ErrSessionNotFound  = errors.New("session not found in history")
	ErrIDSpaceExhausted = errors.New("could not generate a unique item id")
)

// Persister receives every change. All methods but AppendHistory return
// immediately.
type Persister interface {
	PersistItems(listID string, items []model.Item)
	PersistItemOrder(listID string, items []model.Item)
	PersistSession(listID string, session *model.ShoppingSession)
	PersistHistory(listID string, history []model.ShoppingSession)
	AppendHistory(ctx context.Context, listID string, session model.ShoppingSession) error
}

type Options struct {
	Now   func() time.Time
	NewID func() string
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// listeners is a small registry of change callbacks.
type listeners[T any] struct {
	mu   sync.Mutex
	fns  map[int]func(string, T)
	next int
}

func (l *listeners[T]) add(fn func(string, T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(string, T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners[T]) emit(listID string, v T) {
	l.mu.Lock()
	fns := make([]func(string, T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(listID, v)
	}
}

// Containers pairs the two containers and feeds them from the bridge.
type Containers struct {
	Items    *Items
	Sessions *Sessions
}

func NewContainers(p Persister, opts Options) *Containers {
	return &Containers{
		Items:    NewItems(p, opts),
		Sessions: NewSessions(p, opts),
	}
}

func (c *Containers) Reset(listID string) {
	c.Items.Reset(listID)
	c.Sessions.Reset(listID)
}

func (c *Containers) ReplaceItems(listID string, items []model.Item) {
	c.Items.Replace(listID, items)
}

func (c *Containers) ReplaceSession(listID string, session *model.ShoppingSession) {
	c.Sessions.ReplaceSession(listID, session)
}

func (c *Containers) ReplaceHistory(listID string, history []model.ShoppingSession) {
	c.Sessions.ReplaceHistory(listID, history)
}
