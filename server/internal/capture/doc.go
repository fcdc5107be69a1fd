// Package capture is the Capture Store: the bin and captured-request lifecycle
// on top of a store.Backend.
//
// Capture validates the bin id, rejects oversized payloads before touching
// storage, inserts conditionally on the bin existing (which also refreshes the
// bin's last activity), trims the bin to its newest MaxRequestsPerBin entries
// and finally offers the entry to live observers through a Broadcaster.
// Publishing never blocks the capture path and never fails it.
//
// Limits can be swapped at runtime with SetLimits; in-flight captures keep the
// limits they started with.
package capture
