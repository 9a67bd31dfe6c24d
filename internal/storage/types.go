package storage

import (
	"errors"
	"fmt"
	"strconv"

	"replidraw/internal/protocol"
)

// PushResult summarizes one ApplyPush call.
type PushResult struct {
	// Version is the document version after the push.
	Version        int64
	LastMutationID int64
	Processed      int
	// Deferred counts mutations left unapplied behind a gap in ids.
	Deferred int
	Failures []MutationFailure
}

// MutationFailure is a mutation whose writes were rolled back.
type MutationFailure struct {
	ID   int64
	Name string
	Err  error
}

// Changes is a pull answer before it is wrapped in a cookie.
type Changes struct {
	Version        int64
	LastMutationID int64
	Full           bool
	Patch          []protocol.PatchOp
}

// ClientCursor is what the server knows about one client of a document.
type ClientCursor struct {
	ClientID       string
	DocID          string
	LastMutationID int64
	// LastSeenVersion is nil until the client has been sent a version.
	LastSeenVersion *int64
}

var ErrInvalidCookie = errors.New("invalid cookie")

// FormatCookie encodes a document version as a pull cookie.
func FormatCookie(version int64) protocol.Cookie {
	return protocol.Cookie(strconv.FormatInt(version, 10))
}

// ParseCookie decodes a pull cookie. The empty cookie is version -1, which
// GetChangesSince answers with a full snapshot.
func ParseCookie(cookie protocol.Cookie) (int64, error) {
	if cookie == "" {
		return -1, nil
	}
	version, err := strconv.ParseInt(string(cookie), 10, 64)
	if err != nil || version < 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCookie, cookie)
	}
	return version, nil
}
