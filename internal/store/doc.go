// Package store persists compliance checks, evidence sessions and
// evidence items.
//
// The interfaces are deliberately narrow read-modify-write contracts:
// the executor always reads the latest progress steps before mutating
// one, so operator-initiated changes (skip, retry) arriving through the
// same store are never clobbered. The in-memory implementations are safe
// for concurrent use and return deep copies, so callers never share
// mutable state with the store.
package store
