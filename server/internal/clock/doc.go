// Package clock provides an injectable time source so components that stamp
// or compare timestamps can be driven deterministically in tests.
package clock
