package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// CatalogVersion is the schema version written by this build. Older catalogs
// are upgraded on load; newer ones are rejected as unreadable.
const CatalogVersion = 2

var (
	ErrEmptyName        = errors.New("name must not be empty")
	ErrSharingMismatch  = errors.New("isShared and remoteListId disagree")
	ErrMissingID        = errors.New("id must not be empty")
	ErrUnknownSelection = errors.New("selected list is not in the catalog")
)

// ListMeta is one shopping list's identity and sharing state.
type ListMeta struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"createdAt"`
	IsShared      bool      `json:"isShared"`
	ShareCode     *string   `json:"shareCode"`
	RemoteListID  *string   `json:"remoteListId"`
	OwnerDeviceID string    `json:"ownerDeviceId"`
}

// Validate enforces the remoteListId <=> isShared invariant and a non-blank name.
func (l ListMeta) Validate() error {
	if l.ID == "" {
		return ErrMissingID
	}
	if strings.TrimSpace(l.Name) == "" {
		return fmt.Errorf("list %s: %w", l.ID, ErrEmptyName)
	}
	hasRemote := l.RemoteListID != nil && *l.RemoteListID != ""
	if hasRemote != l.IsShared {
		return fmt.Errorf("list %s: %w", l.ID, ErrSharingMismatch)
	}
	return nil
}

// Remote returns the remote list id, or "" for a local-only list.
func (l ListMeta) Remote() string {
	if l.RemoteListID == nil {
		return ""
	}
	return *l.RemoteListID
}

// ListsCatalog is the persisted envelope of every list on this device.
type ListsCatalog struct {
	Version        int        `json:"version"`
	Lists          []ListMeta `json:"lists"`
	SelectedListID string     `json:"selectedListId"`
	DeviceID       string     `json:"deviceId"`
}

// Validate checks every list plus the selection. An empty catalog is valid.
func (c ListsCatalog) Validate() error {
	if c.Version < 1 || c.Version > CatalogVersion {
		return fmt.Errorf("unsupported catalog version %d", c.Version)
	}
	seen := make(map[string]bool, len(c.Lists))
	for _, l := range c.Lists {
		if err := l.Validate(); err != nil {
			return err
		}
		if seen[l.ID] {
			return fmt.Errorf("duplicate list id %s", l.ID)
		}
		seen[l.ID] = true
	}
	if c.SelectedListID != "" && !seen[c.SelectedListID] {
		return ErrUnknownSelection
	}
	return nil
}

// Find returns the index of the list with the given id, or -1.
func (c ListsCatalog) Find(id string) int {
	for i, l := range c.Lists {
		if l.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c ListsCatalog) Clone() ListsCatalog {
	out := c
	out.Lists = make([]ListMeta, len(c.Lists))
	for i, l := range c.Lists {
		out.Lists[i] = l.clone()
	}
	return out
}

func (l ListMeta) clone() ListMeta {
	out := l
	if l.ShareCode != nil {
		v := *l.ShareCode
		out.ShareCode = &v
	}
	if l.RemoteListID != nil {
		v := *l.RemoteListID
		out.RemoteListID = &v
	}
	return out
}

// StringPtr is a small helper for the optional string fields.
func StringPtr(s string) *string {
	return &s
}
