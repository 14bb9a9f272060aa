package operation

import (
	"github.com/google/uuid"
)

// Operation is anything the scheduler can poll.
//
// Poll returns true while the operation is still running. The call that
// returns false must have already fired the completion side effect.
type Operation interface {
	Poll() bool
}

// Disposer is implemented by operations holding resources that must be
// released if they are dropped before finishing (scheduler shutdown).
type Disposer interface {
	Dispose()
}

// Labeler gives an operation a stable identity for logs, events and snapshots.
type Labeler interface {
	ID() string
	Label() string
}

// newID keeps the whole UUID since journal records carry the operation ID.
func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
