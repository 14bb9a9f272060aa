// Package scheduler admits operations into a bounded running set and polls
// them once per tick.
//
// The scheduler is single-threaded: Submit and Tick must be called from the
// host's loop goroutine (see internal/driver). Each tick promotes at most one
// pending operation, then polls every running one in admission order and
// evicts those that finished.
package scheduler
