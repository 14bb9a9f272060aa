package scheduler

import (
	"time"

	"asyncproc/internal/operation"
)

const (
	DefaultProcessLimit = 5
	DefaultHistorySize  = 100
	DefaultBacklogWarn  = 256
)

const (
	EventSubmitted = "op.submitted"
	EventAdmitted  = "op.admitted"
	EventFinished  = "op.finished"
	EventPanicked  = "op.panicked"
)

// Config controls the scheduler.
type Config struct {
	// ProcessLimit bounds the running set.
	ProcessLimit int

	// HistorySize bounds the finished-operation history kept for snapshots.
	HistorySize int

	// BacklogWarn logs a (throttled) warning while more operations than this
	// are pending. Negative disables the warning.
	BacklogWarn int

	// Network is the template for operations created by Get/Post/Request.
	// Clock, Log and Bus are filled from the scheduler when unset.
	Network operation.NetworkOptions
}

func (c Config) withDefaults() Config {
	if c.ProcessLimit <= 0 {
		c.ProcessLimit = DefaultProcessLimit
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.BacklogWarn == 0 {
		c.BacklogWarn = DefaultBacklogWarn
	}
	return c
}

// Host is the external update loop. The scheduler installs its tick hook on
// the first submission.
type Host interface {
	Install(hook func())
}

// HostFunc adapts a function to Host.
type HostFunc func(hook func())

func (f HostFunc) Install(hook func()) { f(hook) }

// OpEvent is emitted on the event bus for scheduler lifecycle events.
type OpEvent struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	Submitted  time.Time     `json:"submitted"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Panic      string        `json:"panic,omitempty"`
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Label      string        `json:"label"`
	Submitted  time.Time     `json:"submitted"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Panicked   bool          `json:"panicked,omitempty"`
}

type OpInfo struct {
	ID    string    `json:"id"`
	Label string    `json:"label"`
	Since time.Time `json:"since"`
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	At           time.Time `json:"at"`
	ProcessLimit int       `json:"process_limit"`
	Pending      int       `json:"pending"`
	Running      int       `json:"running"`
	Closed       bool      `json:"closed"`

	Ticks     uint64 `json:"ticks"`
	Submitted uint64 `json:"submitted"`
	Admitted  uint64 `json:"admitted"`
	Finished  uint64 `json:"finished"`
	Panicked  uint64 `json:"panicked"`

	RunningOps  []OpInfo      `json:"running_ops"`
	PendingHead []OpInfo      `json:"pending_head"`
	History     []HistoryItem `json:"history"`
}
