// Package store is the backing-store layer for reqbin.
//
// Backend is the persistence contract the capture store and the eviction
// scheduler are written against. Two implementations are provided:
//
//   - SQLite (github.com/mattn/go-sqlite3), the default, selected by
//     "sqlite://path" or "sqlite:path" URLs.
//   - Redis (github.com/redis/go-redis/v9), selected by "redis://" or
//     "rediss://" URLs. Multi-key mutations run as Lua scripts so each one is
//     atomic on a single Redis instance.
//
// Both backends order requests by a monotonic insertion sequence, perform the
// capture insert conditionally on the owning bin existing, and enforce the
// per-bin cap with a single delete that keeps the newest rows.
//
// Open(ctx, url, maxConns) picks the backend from the URL scheme.
//
// Errors: ErrNotFound when an id is well-formed but no row matched; every other
// backend failure is a *StorageError.
package store
