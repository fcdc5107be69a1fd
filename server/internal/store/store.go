package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/reqbin/reqbin/pkg/types"
)

// ErrNotFound is returned when a well-formed id matches no live row.
var ErrNotFound = errors.New("not found")

// StorageError wraps a backing-store failure, including connectivity loss.
// It is retryable from the caller's point of view.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is, or wraps, a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Backend is the persistence contract for bins and captured requests.
// Implementations must be safe for concurrent use and must not serialize
// unrelated bins behind a process-wide lock.
type Backend interface {
	// CreateBin persists a new bin row.
	CreateBin(ctx context.Context, bin types.Bin) error

	// GetBin returns the bin or ErrNotFound.
	GetBin(ctx context.Context, id string) (types.Bin, error)

	// DeleteBin removes the bin and every request it owns. ErrNotFound if
	// no bin matched.
	DeleteBin(ctx context.Context, id string) error

	// DeleteIdleBin removes the bin and its requests only if its last
	// activity is still before cutoff. It reports whether a bin was removed.
	DeleteIdleBin(ctx context.Context, id string, cutoff time.Time) (bool, error)

	// IdleBins lists bins whose last activity is before cutoff.
	IdleBins(ctx context.Context, cutoff time.Time) ([]types.Bin, error)

	// InsertRequest stores req if its bin exists, assigns req.Seq and sets
	// the bin's last activity to req.CapturedAt. ErrNotFound if the bin is
	// absent; nothing is written in that case.
	InsertRequest(ctx context.Context, req *types.CapturedRequest) error

	// ListRequests returns the bin's requests in ascending insertion order.
	// ErrNotFound if the bin is absent.
	ListRequests(ctx context.Context, binID string) ([]types.CapturedRequest, error)

	// CountRequests returns the number of live requests owned by the bin.
	// Capture uses it to skip trimming while a bin is under its cap.
	CountRequests(ctx context.Context, binID string) (int64, error)

	// DeleteRequest removes one request and refreshes its bin's last
	// activity to now. ErrNotFound if no request matched.
	DeleteRequest(ctx context.Context, requestID string, now time.Time) error

	// ClearRequests removes all of the bin's requests, refreshes its last
	// activity and returns the number removed. ErrNotFound if the bin is absent.
	ClearRequests(ctx context.Context, binID string, now time.Time) (int64, error)

	// TrimRequests deletes the oldest requests so at most keep remain, and
	// returns the number deleted.
	TrimRequests(ctx context.Context, binID string, keep int) (int64, error)

	// Close releases the underlying connections.
	Close() error
}

// Open returns the Backend selected by rawURL's scheme.
// Supported formats:
//   - sqlite://path/to/reqbin.db
//   - sqlite:./reqbin.db
//   - sqlite::memory:
//   - redis://[user:pass@]host:port/db
//   - rediss://... (TLS)
func Open(ctx context.Context, rawURL string, maxConns int) (Backend, error) {
	kind, target, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "sqlite":
		db, err := OpenSQLite(ctx, target, maxConns)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "redis":
		rdb, err := OpenRedis(ctx, target, maxConns)
		if err != nil {
			return nil, err
		}
		return rdb, nil
	default:
		return nil, fmt.Errorf("store: unsupported backend %q", kind)
	}
}

// parseURL splits a database URL into the backend kind and the target the
// backend understands (a file path for SQLite, the full URL for Redis).
func parseURL(rawURL string) (kind string, target string, err error) {
	rawURL = strings.TrimSpace(rawURL)

	if strings.HasPrefix(rawURL, "sqlite://") {
		return "sqlite", strings.TrimPrefix(rawURL, "sqlite://"), nil
	}
	if strings.HasPrefix(rawURL, "sqlite:") {
		return "sqlite", strings.TrimPrefix(rawURL, "sqlite:"), nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("store: invalid database url: %w", err)
	}
	switch u.Scheme {
	case "redis", "rediss":
		return "redis", rawURL, nil
	default:
		return "", "", fmt.Errorf("store: unsupported database scheme %q", u.Scheme)
	}
}
