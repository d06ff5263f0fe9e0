// Package queue implements the local durable mutation queue: writes made
// while offline are persisted here, replayed by the sync engine on
// reconnect, and deleted once the remote store confirms them. The queue is
// the sole source of truth for "operations not yet confirmed remote" — any
// document with a pending mutation targeting it must render as
// provisionally edited.
package queue

import "encoding/json"

// Op is the remote operation a mutation implies.
type Op string

// Mutation operations.
const (
	OpSet    Op = "set"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// State is the queue lifecycle state of a mutation.
type State string

// Mutation states as stored in the state column.
const (
	// StatePending mutations are eligible for replay.
	StatePending State = "pending"
	// StateDead mutations exceeded the retry ceiling or hit a permanent
	// error. They are kept for user inspection, never retried silently.
	StateDead State = "dead"
)

// Mutation is one queued write. IDs are unique and monotonically
// creation-ordered, so replaying in id order preserves the intended write
// order per target document.
type Mutation struct {
	ID            string
	Collection    string
	DocID         string
	Op            Op
	Payload       json.RawMessage
	CreatedAt     int64 // Unix nanoseconds
	RetryCount    int
	NextAttemptAt int64  // Unix nanoseconds; 0 = immediately eligible
	LastError     string // most recent failure, for dead-letter display
	State         State
	DeadReason    string // why the mutation was dead-lettered
}

// DefaultRetryCeiling is the number of failed replay attempts after which
// a mutation moves to dead-letter instead of retrying again.
const DefaultRetryCeiling = 5
