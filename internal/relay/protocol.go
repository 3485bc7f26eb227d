// Package relay is a small real-time backend: a JSON tree served over
// websockets, and a client that implements remote.Backend against it.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukerupert/listsync/internal/remote"
)

// Request ops.
const (
	OpAuth        = "auth"
	OpGet         = "get"
	OpSet         = "set"
	OpUpdate      = "update"
	OpRemove      = "remove"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Frame types sent by the server.
const (
	FrameResponse = "response"
	FrameSnapshot = "snapshot"
	FrameNotice   = "notice"
)

// Error codes carried by failed responses.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeRateLimited     = "rate_limited"
	CodeInvalid         = "invalid"
	CodeInternal        = "internal"
)

// maxMessageSize bounds a single frame in either direction.
const maxMessageSize = 4 << 20

var ErrRateLimited = errors.New("relay: rate limited")

// Request is sent by clients. ID correlates the response.
type Request struct {
	ID     uint64                     `json:"id"`
	Op     string                     `json:"op"`
	Path   string                     `json:"path,omitempty"`
	Value  json.RawMessage            `json:"value,omitempty"`
	Values map[string]json.RawMessage `json:"values,omitempty"`
	Sub    uint64                     `json:"sub,omitempty"`
	UID    string                     `json:"uid,omitempty"`
}

// Frame is anything the server sends: a response to a request, a snapshot
// for a subscription or a notice to every peer.
type Frame struct {
	Type    string          `json:"type"`
	ID      uint64          `json:"id,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Sub     uint64          `json:"sub,omitempty"`
	Path    string          `json:"path,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Exists  bool            `json:"exists,omitempty"`
	UID     string          `json:"uid,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (f Frame) snapshot() remote.Snapshot {
	return remote.Snapshot{Path: f.Path, Value: f.Value, Exists: f.Exists}
}

// err converts a failed response back into an error, mapping codes to the
// matching sentinels.
func (f Frame) err(op, path string) error {
	if f.OK {
		return nil
	}
	var base error
	switch f.Code {
	case CodeUnauthenticated:
		base = remote.ErrNotSignedIn
	case CodeRateLimited:
		base = ErrRateLimited
	case CodeInvalid:
		base = remote.ErrInvalidPath
	default:
		return fmt.Errorf("relay %s %s: %s", op, path, f.Error)
	}
	return fmt.Errorf("relay %s %s: %w", op, path, base)
}

func failure(id uint64, code string, err error) Frame {
	return Frame{Type: FrameResponse, ID: id, Code: code, Error: err.Error()}
}
