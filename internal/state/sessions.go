package state

import (
	"context"
	"sync"
	"time"

	"github.com/dukerupert/listsync/internal/model"
)

// SessionView is what observers of Sessions see.
type SessionView struct {
	Active     *model.ShoppingSession
	History    []model.ShoppingSession
	ShowBought bool
	Finishing  bool
}

// Sessions holds the active shopping trip and the finished ones of the
// loaded list.
type Sessions struct {
	persister Persister
	now       func() time.Time
	newID     func() string

	mu         sync.Mutex
	listID     string
	active     *model.ShoppingSession
	history    []model.ShoppingSession
	showBought bool
	finishing  bool

	subs listeners[SessionView]
}

func NewSessions(p Persister, opts Options) *Sessions {
	opts = opts.withDefaults()
	return &Sessions{persister: p, now: opts.Now, newID: opts.NewID}
}

func cloneSession(s *model.ShoppingSession) *model.ShoppingSession {
	if s == nil {
		return nil
	}
	c := s.Clone()
	return &c
}

func (c *Sessions) viewLocked() SessionView {
	return SessionView{
		Active:     cloneSession(c.active),
		History:    model.CloneHistory(c.history),
		ShowBought: c.showBought,
		Finishing:  c.finishing,
	}
}

// View returns the current state.
func (c *Sessions) View() SessionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Sessions) Active() *model.ShoppingSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneSession(c.active)
}

func (c *Sessions) History() []model.ShoppingSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CloneHistory(c.history)
}

func (c *Sessions) Subscribe(fn func(listID string, view SessionView)) func() {
	return c.subs.add(fn)
}

// Reset switches to listID with no session and no history.
func (c *Sessions) Reset(listID string) {
	c.mu.Lock()
	c.listID = listID
	c.active = nil
	c.history = nil
	c.showBought = false
	c.finishing = false
	view := c.viewLocked()
	c.mu.Unlock()
	c.subs.emit(listID, view)
}

func (c *Sessions) ReplaceSession(listID string, session *model.ShoppingSession) {
	c.mu.Lock()
	if listID != c.listID {
		c.mu.Unlock()
		return
	}
	c.active = cloneSession(session)
	view := c.viewLocked()
	c.mu.Unlock()
	c.subs.emit(listID, view)
}

func (c *Sessions) ReplaceHistory(listID string, history []model.ShoppingSession) {
	history = model.CloneHistory(history)
	model.SortHistory(history)
	c.mu.Lock()
	if listID != c.listID {
		c.mu.Unlock()
		return
	}
	c.history = history
	view := c.viewLocked()
	c.mu.Unlock()
	c.subs.emit(listID, view)
}

// change runs fn under the lock for the loaded list and emits afterwards.
func (c *Sessions) change(listID string, fn func() error) error {
	c.mu.Lock()
	if listID != c.listID {
		c.mu.Unlock()
		return ErrStaleList
	}
	if err := fn(); err != nil {
		c.mu.Unlock()
		return err
	}
	view := c.viewLocked()
	c.mu.Unlock()
	c.subs.emit(listID, view)
	return nil
}

// Start begins a trip with the checked items, in list order.
func (c *Sessions) Start(listID string, items []model.Item) (model.ShoppingSession, error) {
	items = model.CloneItems(items)
	model.SortItems(items)

	var started model.ShoppingSession
	err := c.change(listID, func() error {
		if c.active != nil {
			return ErrSessionActive
		}
		session := model.ShoppingSession{ID: c.newID(), StartedAt: c.now()}
		for _, it := range items {
			if !it.IsChecked {
				continue
			}
			session.Items = append(session.Items, model.SessionItem{
				ID:       it.ID,
				Name:     it.Name,
				Quantity: it.Quantity,
				Order:    len(session.Items),
			})
		}
		if len(session.Items) == 0 {
			return ErrNothingChecked
		}
		c.active = &session
		c.showBought = false
		c.persister.PersistSession(listID, cloneSession(c.active))
		started = session.Clone()
		return nil
	})
	return started, err
}

// ToggleBought flips one item of the active trip.
func (c *Sessions) ToggleBought(listID, itemID string) error {
	return c.change(listID, func() error {
		if c.active == nil {
			return ErrNoActiveSession
		}
		next := c.active.Clone()
		for i := range next.Items {
			if next.Items[i].ID != itemID {
				continue
			}
			it := &next.Items[i]
			it.IsBought = !it.IsBought
			if it.IsBought {
				t := c.now()
				it.BoughtAt = &t
			} else {
				it.BoughtAt = nil
			}
			c.active = &next
			c.persister.PersistSession(listID, cloneSession(c.active))
			return nil
		}
		return ErrItemNotFound
	})
}

// SetShowBought toggles whether bought items are shown. It is view state
// and is not persisted.
func (c *Sessions) SetShowBought(listID string, show bool) error {
	return c.change(listID, func() error {
		c.showBought = show
		return nil
	})
}

// Cancel abandons the active trip without archiving it.
func (c *Sessions) Cancel(listID string) error {
	return c.change(listID, func() error {
		if c.active == nil {
			return ErrNoActiveSession
		}
		if c.finishing {
			return ErrFinishInProgress
		}
		c.active = nil
		c.showBought = false
		c.persister.PersistSession(listID, nil)
		return nil
	})
}

// Finish archives the active trip. Only one Finish may run at a time. The
// trip stays active unless the history write succeeds.
func (c *Sessions) Finish(ctx context.Context, listID string) (model.ShoppingSession, error) {
	var finished model.ShoppingSession
	err := c.change(listID, func() error {
		if c.active == nil {
			return ErrNoActiveSession
		}
		if c.finishing {
			return ErrFinishInProgress
		}
		c.finishing = true
		finished = c.active.Clone()
		t := c.now()
		finished.FinishedAt = &t
		return nil
	})
	if err != nil {
		return model.ShoppingSession{}, err
	}
	defer c.releaseFinish(listID)

	appendErr := c.persister.AppendHistory(ctx, listID, finished)

	c.mu.Lock()
	current := listID == c.listID
	if current {
		c.finishing = false
		if appendErr == nil {
			c.active = nil
			c.showBought = false
			c.history = appendHistory(c.history, finished)
		}
	}
	if appendErr == nil {
		c.persister.PersistSession(listID, nil)
	}
	view := c.viewLocked()
	c.mu.Unlock()

	if current {
		c.subs.emit(listID, view)
	}
	if appendErr != nil {
		return model.ShoppingSession{}, appendErr
	}
	return finished, nil
}

// releaseFinish clears the finish guard of listID if it is still loaded.
func (c *Sessions) releaseFinish(listID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if listID == c.listID {
		c.finishing = false
	}
}

// DeleteHistory removes one finished trip.
func (c *Sessions) DeleteHistory(listID, sessionID string) error {
	return c.change(listID, func() error {
		out := make([]model.ShoppingSession, 0, len(c.history))
		for _, s := range c.history {
			if s.ID != sessionID {
				out = append(out, s)
			}
		}
		if len(out) == len(c.history) {
			return ErrSessionNotFound
		}
		c.history = out
		c.persister.PersistHistory(listID, model.CloneHistory(out))
		return nil
	})
}

func appendHistory(history []model.ShoppingSession, s model.ShoppingSession) []model.ShoppingSession {
	out := make([]model.ShoppingSession, 0, len(history)+1)
	for _, h := range history {
		if h.ID != s.ID {
			out = append(out, h)
		}
	}
	out = append(out, s.Clone())
	model.SortHistory(out)
	return out
}
