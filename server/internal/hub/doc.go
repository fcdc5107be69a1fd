// Package hub is the in-process broadcast registry that carries newly captured
// requests to live observers.
//
// Each bin gets at most one channel, created on the first Subscribe and torn
// down only by Remove when the bin is deleted. Publish never blocks: every
// subscriber has its own bounded queue and a full queue drops the message for
// that subscriber alone. Liveness reports whether a bin has any subscriber and
// is what keeps observed bins from being evicted.
package hub
