// Package kv is the local key-value store the engine persists through: string
// values under string keys, no transactions across calls.
package kv

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("kv store closed")

// Store is the local persistence contract. Values are opaque strings; the
// engine stores JSON in them.
type Store interface {
	// Get returns the value and true, or "" and false when the key is absent.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// MultiGet returns only the keys that exist.
	MultiGet(ctx context.Context, keys []string) (map[string]string, error)
	MultiSet(ctx context.Context, entries map[string]string) error
	MultiRemove(ctx context.Context, keys []string) error
}

// Lister is implemented by stores that can enumerate their keys.
type Lister interface {
	// Keys returns every stored key with the given prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

var (
	_ Lister = (*SQLiteStore)(nil)
	_ Lister = (*Memory)(nil)
)

const (
	CatalogKey = "@lists_catalog"
	// RemoteUIDKey holds the anonymous identity issued by the relay.
	RemoteUIDKey = "@remote_uid"

	LegacyItemsKey   = "@shopping_list"
	LegacySessionKey = "@shopping_session"
	LegacyHistoryKey = "@shopping_history"
)

// LegacyKeys lists the single-list keys in items, session, history order.
var LegacyKeys = []string{LegacyItemsKey, LegacySessionKey, LegacyHistoryKey}

func ItemsKey(listID string) string   { return ListPrefix(listID) + "items" }
func SessionKey(listID string) string { return ListPrefix(listID) + "session" }
func HistoryKey(listID string) string { return ListPrefix(listID) + "history" }

// ListPrefix is the prefix shared by every key of a list.
func ListPrefix(listID string) string { return "@list/" + listID + "/" }

// ListKeys returns every namespaced key owned by a list.
func ListKeys(listID string) []string {
	return []string{ItemsKey(listID), SessionKey(listID), HistoryKey(listID)}
}
