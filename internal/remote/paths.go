package remote

import (
	"fmt"
	"strings"
)

const (
	ListsRoot = "lists"
	CodesRoot = "sharing-codes"
)

func ListPath(remoteListID string) string { return Join(ListsRoot, remoteListID) }
func MetaPath(remoteListID string) string { return Join(ListsRoot, remoteListID, "meta") }
func ItemsPath(remoteListID string) string { return Join(ListsRoot, remoteListID, "items") }
func SessionPath(remoteListID string) string { return Join(ListsRoot, remoteListID, "session") }
func HistoryPath(remoteListID string) string { return Join(ListsRoot, remoteListID, "history") }
func MembersPath(remoteListID string) string { return Join(ListsRoot, remoteListID, "members") }
func CodePath(code string) string { return Join(CodesRoot, code) }
func MemberPath(remoteListID, uid string) string {
	return Join(ListsRoot, remoteListID, "members", uid)
}

// Join builds a path from segments.
func Join(segs ...string) string {
	return strings.Join(segs, "/")
}

const forbidden = ".#$[]"

// Split validates path and returns its segments. The empty path is the root
// and yields no segments.
func Split(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, nil
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, forbidden) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// Related reports whether a change at one path can affect the other, which
// is the case when either is an ancestor of (or equal to) the other.
func Related(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
