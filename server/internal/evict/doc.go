// Package evict deletes bins that have been idle longer than the expiry
// window, unless an observer is attached to them.
//
// Scheduler.Run sweeps on a ticker; Sweep can also be called directly and is
// safe to run alongside Run.
package evict
