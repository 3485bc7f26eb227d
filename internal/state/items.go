package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/listsync/internal/model"
)

const idAttempts = 5

var errUnchanged = errors.New("unchanged")

// Items is the item list of the loaded list.
type Items struct {
	persister Persister
	now       func() time.Time
	newID     func() string

	mu     sync.Mutex
	listID string
	items  []model.Item

	subs listeners[[]model.Item]
}

func NewItems(p Persister, opts Options) *Items {
	opts = opts.withDefaults()
	return &Items{persister: p, now: opts.Now, newID: opts.NewID}
}

// Reset switches the container to listID with no items.
func (c *Items) Reset(listID string) {
	c.mu.Lock()
	c.listID = listID
	c.items = nil
	c.mu.Unlock()
	c.subs.emit(listID, nil)
}

// Replace swaps in items loaded from storage. Calls for another list are
// ignored.
func (c *Items) Replace(listID string, items []model.Item) {
	items = model.CloneItems(items)
	model.SortItems(items)

	c.mu.Lock()
	if listID != c.listID {
		c.mu.Unlock()
		return
	}
	c.items = items
	c.mu.Unlock()
	c.subs.emit(listID, model.CloneItems(items))
}

func (c *Items) ListID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listID
}

// Snapshot returns the items in display order.
func (c *Items) Snapshot() []model.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CloneItems(c.items)
}

// Checked returns the checked items in display order.
func (c *Items) Checked() []model.Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.Item
	for _, it := range c.items {
		if it.IsChecked {
			out = append(out, it)
		}
	}
	return out
}

// Subscribe calls fn with the list id and items after every change.
func (c *Items) Subscribe(fn func(listID string, items []model.Item)) func() {
	return c.subs.add(fn)
}

// mutate applies fn to a copy of the items. The result is stored and
// persisted under the lock so persistence sees changes in order.
func (c *Items) mutate(listID string, orderOnly bool, fn func([]model.Item) ([]model.Item, error)) error {
	c.mu.Lock()
	if listID != c.listID {
		c.mu.Unlock()
		return ErrStaleList
	}
	next, err := fn(model.CloneItems(c.items))
	if errors.Is(err, errUnchanged) {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.items = next
	if orderOnly {
		c.persister.PersistItemOrder(listID, model.CloneItems(next))
	} else {
		c.persister.PersistItems(listID, model.CloneItems(next))
	}
	out := model.CloneItems(next)
	c.mu.Unlock()

	c.subs.emit(listID, out)
	return nil
}

func find(items []model.Item, id string) int {
	for i, it := range items {
		if it.ID == id {
			return i
		}
	}
	return -1
}

// update runs fn on the item with the given id.
func (c *Items) update(listID, id string, fn func(*model.Item) error) error {
	return c.mutate(listID, false, func(items []model.Item) ([]model.Item, error) {
		i := find(items, id)
		if i < 0 {
			return nil, ErrItemNotFound
		}
		if err := fn(&items[i]); err != nil {
			return nil, err
		}
		return items, nil
	})
}

func (c *Items) uniqueID(items []model.Item) (string, error) {
	for i := 0; i < idAttempts; i++ {
		id := c.newID()
		if id != "" && find(items, id) < 0 {
			return id, nil
		}
	}
	return "", ErrIDSpaceExhausted
}

// Add appends a new unchecked item at the end of the list.
func (c *Items) Add(listID, name string, quantity int) (model.Item, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Item{}, model.ErrEmptyName
	}
	if quantity < 1 {
		return model.Item{}, model.ErrInvalidQuantity
	}
	var added model.Item
	err := c.mutate(listID, false, func(items []model.Item) ([]model.Item, error) {
		id, err := c.uniqueID(items)
		if err != nil {
			return nil, err
		}
		added = model.Item{
			ID:        id,
			Name:      name,
			Quantity:  quantity,
			Order:     len(items),
			CreatedAt: c.now(),
		}
		return append(items, added), nil
	})
	return added, err
}

func (c *Items) Remove(listID, id string) error {
	return c.mutate(listID, false, func(items []model.Item) ([]model.Item, error) {
		i := find(items, id)
		if i < 0 {
			return nil, ErrItemNotFound
		}
		items = append(items[:i], items[i+1:]...)
		model.Reindex(items)
		return items, nil
	})
}

func (c *Items) Rename(listID, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.ErrEmptyName
	}
	return c.update(listID, id, func(it *model.Item) error {
		if it.Name == name {
			return errUnchanged
		}
		it.Name = name
		return nil
	})
}

func (c *Items) ToggleChecked(listID, id string) error {
	return c.update(listID, id, func(it *model.Item) error {
		it.IsChecked = !it.IsChecked
		return nil
	})
}

func (c *Items) SetQuantity(listID, id string, quantity int) error {
	if quantity < 1 {
		return fmt.Errorf("quantity %d: %w", quantity, model.ErrInvalidQuantity)
	}
	return c.update(listID, id, func(it *model.Item) error {
		if it.Quantity == quantity {
			return errUnchanged
		}
		it.Quantity = quantity
		return nil
	})
}

func (c *Items) Increment(listID, id string) error {
	return c.update(listID, id, func(it *model.Item) error {
		it.Quantity++
		return nil
	})
}

// Decrement lowers the quantity by one but never below 1.
func (c *Items) Decrement(listID, id string) error {
	return c.update(listID, id, func(it *model.Item) error {
		if it.Quantity <= 1 {
			return errUnchanged
		}
		it.Quantity--
		return nil
	})
}

// UncheckAll clears every check mark.
func (c *Items) UncheckAll(listID string) error {
	return c.mutate(listID, false, func(items []model.Item) ([]model.Item, error) {
		changed := false
		for i := range items {
			if items[i].IsChecked {
				items[i].IsChecked = false
				changed = true
			}
		}
		if !changed {
			return nil, errUnchanged
		}
		return items, nil
	})
}

// Move puts the item at index, clamped to the list bounds, and re-indexes.
func (c *Items) Move(listID, id string, index int) error {
	return c.mutate(listID, true, func(items []model.Item) ([]model.Item, error) {
		from := find(items, id)
		if from < 0 {
			return nil, ErrItemNotFound
		}
		if index < 0 {
			index = 0
		}
		if index >= len(items) {
			index = len(items) - 1
		}
		if index == from {
			return nil, errUnchanged
		}
		it := items[from]
		items = append(items[:from], items[from+1:]...)
		items = append(items[:index], append([]model.Item{it}, items[index:]...)...)
		model.Reindex(items)
		return items, nil
	})
}

// Reorder sets the order to ids, which must name every item exactly once.
func (c *Items) Reorder(listID string, ids []string) error {
	return c.mutate(listID, true, func(items []model.Item) ([]model.Item, error) {
		if len(ids) != len(items) {
			return nil, ErrInvalidOrder
		}
		out := make([]model.Item, 0, len(items))
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			i := find(items, id)
			if i < 0 || seen[id] {
				return nil, ErrInvalidOrder
			}
			seen[id] = true
			out = append(out, items[i])
		}
		model.Reindex(out)
		return out, nil
	})
}
