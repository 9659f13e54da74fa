package collab

import (
	"errors"
	"fmt"

	"flowcollab/backend/internal/oplog"
)

var (
	ErrInvalidArgument = errors.New("INVALID_ARGUMENT")
	// ErrNotJoined is returned for presence updates from a user that is not
	// part of the flow's session.
	ErrNotJoined = errors.New("NOT_JOINED")
	// ErrSessionReset is returned when the log lost its integrity and the
	// session was reset; every member must resync.
	ErrSessionReset  = errors.New("SESSION_RESET")
	ErrShuttingDown  = errors.New("SHUTTING_DOWN")
	ErrNoSnapshotSrc = errors.New("SNAPSHOT_SOURCE_NOT_CONFIGURED")
)

// IsResyncRequired reports whether err means the client must reload the flow
// snapshot rather than resubmit.
func IsResyncRequired(err error) bool {
	return errors.Is(err, oplog.ErrDesync) || errors.Is(err, ErrSessionReset)
}

// ApplyError wraps a failure of the document store to apply a logged
// operation. The sequence stays assigned.
type ApplyError struct {
	DocumentID string
	Sequence   uint64
	Err        error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply flow %s seq %d: %v", e.DocumentID, e.Sequence, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
