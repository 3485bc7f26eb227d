package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrInvalidQuantity = errors.New("quantity must be at least 1")

// Item is one entry in a list's persistent catalog. IsChecked marks it as
// wanted for the next shopping trip.
type Item struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Quantity  int       `json:"quantity"`
	IsChecked bool      `json:"isChecked"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"createdAt"`
}

func (i Item) Validate() error {
	if i.ID == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("item %s: %w", i.ID, ErrEmptyName)
	}
	if i.Quantity < 1 {
		return fmt.Errorf("item %s: %w", i.ID, ErrInvalidQuantity)
	}
	return nil
}

// ValidateItems validates every item in the slice.
func ValidateItems(items []Item) error {
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// SortItems orders items by Order, breaking ties by creation time.
func SortItems(items []Item) {
	sort.SliceStable(items, func(a, b int) bool {
		if items[a].Order != items[b].Order {
			return items[a].Order < items[b].Order
		}
		return items[a].CreatedAt.Before(items[b].CreatedAt)
	})
}

// Reindex rewrites Order to 0..n-1 following the slice order.
func Reindex(items []Item) {
	for i := range items {
		items[i].Order = i
	}
}

// CloneItems copies items into a new slice.
func CloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
