package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

var ErrClosed = errors.New("storage closed")

// Config configures the journal.
//
// Driver values:
//   - "file": JSON Lines file, no external dependency
//   - "sqlite": SQLite database file (build tag "sqlite")
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Keep bounds how many records survive compaction. 0 means DefaultKeep.
	Keep int
}

const DefaultKeep = 5000

// Record kinds.
const (
	KindOperation = "operation"
	KindRequest   = "request"
)

// Record is one journal line. Keep it compact and schema-stable.
type Record struct {
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	Event      string    `json:"event"`
	OpID       string    `json:"op_id"`
	Label      string    `json:"label"`
	Success    bool      `json:"success"`
	StatusCode int       `json:"status_code,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Error      string    `json:"error,omitempty"`
	QueueMS    int64     `json:"queue_ms,omitempty"`
	TookMS     int64     `json:"took_ms"`
}
