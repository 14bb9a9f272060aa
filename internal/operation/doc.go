// Package operation defines the pollable units of work run by the scheduler.
//
// An Operation is polled once per tick and must never block: any waiting is
// carried as state between polls. Two implementations exist:
//   - Wait: polls a caller predicate and fires a callback once it reports done
//   - Network: one HTTP exchange with a per-attempt timeout and retries
//     separated by a cooldown
package operation
