// Package admission rate-limits callers with one token bucket per client key.
//
// Buckets live in a sync.Map so checks for different clients never contend.
// A background sweep drops buckets that have not been used for IdleAfter,
// which keeps the table bounded by the set of recently active clients.
package admission
