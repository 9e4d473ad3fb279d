// Package storage persists scheduled items.
//
// The only concurrency guard the rest of the system relies on is the
// conditional single-row update (WHERE id=? AND posted=0): a posted row is
// terminal and can never be mutated or re-dispatched through this API.
package storage
