// Package types defines the Go types shared by reqbin-server and reqbin-tail.
// These are the wire representations of bins, captured requests and observer
// stream events, independent of how a backing store lays them out.
package types
