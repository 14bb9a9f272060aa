// Package storage keeps the completion journal: one record per finished
// operation or request, for diagnostics after the fact.
//
// It is a result log only. Pending and running operations are never
// persisted.
package storage
