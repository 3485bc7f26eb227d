package model

import (
	"fmt"
	"strings"
	"time"
)

const (
	// CodeAlphabet leaves out I, L, O, 0, 1 and 2, which are easy to misread.
	CodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ3456789"
	CodeLength   = 6
	CodeTTL      = 15 * time.Minute
)

// SharingCode is the short-lived record a second device redeems to join a list.
// It only ever lives in the remote backend.
type SharingCode struct {
	Code         string    `json:"code"`
	RemoteListID string    `json:"remoteListId"`
	ListName     string    `json:"listName"`
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (c SharingCode) Validate() error {
	if !ValidCode(c.Code) {
		return fmt.Errorf("malformed sharing code %q", c.Code)
	}
	if c.RemoteListID == "" {
		return fmt.Errorf("sharing code %s: missing remoteListId", c.Code)
	}
	if c.ExpiresAt.IsZero() {
		return fmt.Errorf("sharing code %s: missing expiresAt", c.Code)
	}
	return nil
}

// Expired reports whether the code is past its expiry at now.
func (c SharingCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// NormalizeCode upper-cases the input and drops spaces and dashes.
func NormalizeCode(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '\t' {
			return -1
		}
		return r
	}, s)
}

// ValidCode reports whether s is exactly CodeLength symbols from CodeAlphabet.
func ValidCode(s string) bool {
	if len(s) != CodeLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(CodeAlphabet, r) {
			return false
		}
	}
	return true
}

// Member is a device that has joined a remote list.
type Member struct {
	DeviceID   string    `json:"deviceId"`
	DeviceName string    `json:"deviceName"`
	JoinedAt   time.Time `json:"joinedAt"`
	Owner      bool      `json:"owner"`
}

// RemoteMeta is the metadata node of a shared list.
type RemoteMeta struct {
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"createdAt"`
	OwnerDeviceID string    `json:"ownerDeviceId"`
}
