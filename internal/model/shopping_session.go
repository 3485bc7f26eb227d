package model

import (
	"fmt"
	"sort"
	"time"
)

// SessionItem is an item being bought during a shopping trip.
type SessionItem struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Quantity int        `json:"quantity"`
	IsBought bool       `json:"isBought"`
	Order    int        `json:"order"`
	BoughtAt *time.Time `json:"boughtAt"`
}

// ShoppingSession is one trip. FinishedAt is nil while it is in progress.
type ShoppingSession struct {
	ID         string        `json:"id"`
	Items      []SessionItem `json:"items"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt"`
}

func (s ShoppingSession) Validate() error {
	if s.ID == "" {
		return ErrMissingID
	}
	if s.StartedAt.IsZero() {
		return fmt.Errorf("session %s: missing startedAt", s.ID)
	}
	for _, it := range s.Items {
		if it.ID == "" {
			return fmt.Errorf("session %s: %w", s.ID, ErrMissingID)
		}
		if it.Quantity < 1 {
			return fmt.Errorf("session %s item %s: %w", s.ID, it.ID, ErrInvalidQuantity)
		}
	}
	return nil
}

// InProgress reports whether the trip has not been finished yet.
func (s ShoppingSession) InProgress() bool {
	return s.FinishedAt == nil
}

// BoughtCount returns how many items were marked bought.
func (s ShoppingSession) BoughtCount() int {
	n := 0
	for _, it := range s.Items {
		if it.IsBought {
			n++
		}
	}
	return n
}

// ValidateHistory validates completed sessions.
func ValidateHistory(history []ShoppingSession) error {
	for _, s := range history {
		if err := s.Validate(); err != nil {
			return err
		}
		if s.InProgress() {
			return fmt.Errorf("history session %s is not finished", s.ID)
		}
	}
	return nil
}

// SortHistory orders completed sessions oldest first.
func SortHistory(history []ShoppingSession) {
	sort.SliceStable(history, func(a, b int) bool {
		return history[a].StartedAt.Before(history[b].StartedAt)
	})
}

// Clone returns a deep copy.
func (s ShoppingSession) Clone() ShoppingSession {
	out := s
	out.Items = make([]SessionItem, len(s.Items))
	for i, it := range s.Items {
		if it.BoughtAt != nil {
			t := *it.BoughtAt
			it.BoughtAt = &t
		}
		out.Items[i] = it
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// CloneHistory deep-copies a history slice.
func CloneHistory(history []ShoppingSession) []ShoppingSession {
	out := make([]ShoppingSession, len(history))
	for i, s := range history {
		out[i] = s.Clone()
	}
	return out
}
