package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/reqbin/reqbin/pkg/types"
	"github.com/reqbin/reqbin/server/internal/clock"
	"github.com/reqbin/reqbin/server/internal/ident"
	"github.com/reqbin/reqbin/server/internal/metrics"
	"github.com/reqbin/reqbin/server/internal/store"
)

// ErrPayloadTooLarge is returned when a body or serialized header set exceeds
// the configured limit. Nothing is written in that case.
var ErrPayloadTooLarge = errors.New("payload too large")

// Limits bounds what a single bin may hold.
type Limits struct {
	MaxRequestsPerBin int
	MaxBodySize       int // bytes, raw body
	MaxHeadersSize    int // bytes, serialized header object
}

// DefaultLimits returns 100 requests per bin and 1 MiB for body and headers.
func DefaultLimits() Limits {
	return Limits{
		MaxRequestsPerBin: 100,
		MaxBodySize:       1 << 20,
		MaxHeadersSize:    1 << 20,
	}
}

// Broadcaster carries new captures to live observers.
type Broadcaster interface {
	Publish(binID string, payload []byte) int
	Remove(binID string)
}

// Options configures a Store. Zero fields take defaults.
type Options struct {
	Clock   clock.Clock
	Limits  Limits
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Store implements the bin and request operations.
type Store struct {
	backend store.Backend
	hub     Broadcaster
	clock   clock.Clock
	limits  atomic.Pointer[Limits]
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New returns a Store over backend that publishes captures to hub.
// hub may be nil, in which case nothing is published.
func New(backend store.Backend, hub Broadcaster, opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Store{
		backend: backend,
		hub:     hub,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		logger:  opts.Logger.With("component", "capture"),
	}
	s.SetLimits(opts.Limits)
	return s
}

// Limits returns the limits currently in force.
func (s *Store) Limits() Limits { return *s.limits.Load() }

// SetLimits replaces the limits for subsequent operations.
func (s *Store) SetLimits(l Limits) {
	if l.MaxRequestsPerBin < 1 {
		l.MaxRequestsPerBin = 1
	}
	s.limits.Store(&l)
}

// CreateBin allocates a new empty bin.
func (s *Store) CreateBin(ctx context.Context) (types.Bin, error) {
	bin := types.Bin{ID: ident.New(), LastActivity: s.clock.Now().UTC()}
	if err := s.backend.CreateBin(ctx, bin); err != nil {
		return types.Bin{}, err
	}
	s.logger.Info("bin created", "bin_id", bin.ID)
	return bin, nil
}

// GetBin returns the bin named by binID.
func (s *Store) GetBin(ctx context.Context, binID string) (types.Bin, error) {
	id, err := ident.Normalize(binID)
	if err != nil {
		return types.Bin{}, err
	}
	return s.backend.GetBin(ctx, id)
}

// Capture records one inbound request into binID and returns the stored entry.
func (s *Store) Capture(ctx context.Context, binID, method string, headers map[string]string, body []byte) (*types.CapturedRequest, error) {
	start := time.Now()

	id, err := ident.Normalize(binID)
	if err != nil {
		s.metrics.Reject(metrics.ReasonInvalidIdentifier)
		return nil, err
	}

	lim := s.Limits()
	if len(body) > lim.MaxBodySize {
		s.metrics.Reject(metrics.ReasonPayloadTooLarge)
		return nil, fmt.Errorf("%w: body is %d bytes, limit is %d", ErrPayloadTooLarge, len(body), lim.MaxBodySize)
	}
	// Each invalid byte becomes a 3-byte U+FFFD, so the stored form can grow.
	text := strings.ToValidUTF8(string(body), "\uFFFD")
	if len(text) > lim.MaxBodySize {
		s.metrics.Reject(metrics.ReasonPayloadTooLarge)
		return nil, fmt.Errorf("%w: body is %d bytes after UTF-8 repair, limit is %d", ErrPayloadTooLarge, len(text), lim.MaxBodySize)
	}
	encoded, err := encodeHeaders(headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	if len(encoded) > lim.MaxHeadersSize {
		s.metrics.Reject(metrics.ReasonPayloadTooLarge)
		return nil, fmt.Errorf("%w: headers are %d bytes, limit is %d", ErrPayloadTooLarge, len(encoded), lim.MaxHeadersSize)
	}

	req := &types.CapturedRequest{
		RequestID:  ident.New(),
		BinID:      id,
		Method:     method,
		Headers:    encoded,
		Body:       text,
		CapturedAt: s.clock.Now().UTC(),
	}
	if err := s.backend.InsertRequest(ctx, req); err != nil {
		s.rejectStoreErr(err)
		return nil, err
	}

	s.enforceCap(ctx, id, lim.MaxRequestsPerBin)
	s.publish(req)

	s.metrics.ObserveCapture(time.Since(start))
	s.logger.Debug("request captured", "bin_id", id, "request_id", req.RequestID, "method", method)
	return req, nil
}

// List returns the bin's captured requests, oldest first.
func (s *Store) List(ctx context.Context, binID string) ([]types.CapturedRequest, error) {
	id, err := ident.Normalize(binID)
	if err != nil {
		return nil, err
	}
	return s.backend.ListRequests(ctx, id)
}

// DeleteRequest removes one captured request and refreshes its bin.
func (s *Store) DeleteRequest(ctx context.Context, requestID string) error {
	id, err := ident.Normalize(requestID)
	if err != nil {
		return err
	}
	return s.backend.DeleteRequest(ctx, id, s.clock.Now().UTC())
}

// Clear removes every captured request in the bin and returns how many were
// removed. The bin itself stays.
func (s *Store) Clear(ctx context.Context, binID string) (int64, error) {
	id, err := ident.Normalize(binID)
	if err != nil {
		return 0, err
	}
	n, err := s.backend.ClearRequests(ctx, id, s.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	s.logger.Info("bin cleared", "bin_id", id, "deleted", n)
	return n, nil
}

// DeleteBin removes the bin, its requests and its broadcast channel.
// Attached observers are disconnected.
func (s *Store) DeleteBin(ctx context.Context, binID string) error {
	id, err := ident.Normalize(binID)
	if err != nil {
		return err
	}
	if err := s.backend.DeleteBin(ctx, id); err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.Remove(id)
	}
	s.logger.Info("bin deleted", "bin_id", id)
	return nil
}

// enforceCap trims the bin to its newest keep entries. The capture has already
// succeeded, so a failure here is only logged; the next capture retries.
func (s *Store) enforceCap(ctx context.Context, binID string, keep int) {
	count, err := s.backend.CountRequests(ctx, binID)
	if err != nil {
		s.logger.Warn("cap enforcement failed", "bin_id", binID, "err", err)
		return
	}
	if count <= int64(keep) {
		return
	}
	n, err := s.backend.TrimRequests(ctx, binID, keep)
	if err != nil {
		s.logger.Warn("cap enforcement failed", "bin_id", binID, "err", err)
		return
	}
	if n > 0 {
		s.logger.Debug("bin trimmed", "bin_id", binID, "removed", n)
	}
}

func (s *Store) publish(req *types.CapturedRequest) {
	if s.hub == nil {
		return
	}
	payload, err := json.Marshal(types.Event{Event: types.EventCapture, Data: *req})
	if err != nil {
		s.logger.Error("encode capture event", "bin_id", req.BinID, "err", err)
		return
	}
	s.hub.Publish(req.BinID, payload)
}

func (s *Store) rejectStoreErr(err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.metrics.Reject(metrics.ReasonNotFound)
	case store.IsStorageError(err):
		s.metrics.Reject(metrics.ReasonStorage)
	}
}

// encodeHeaders serializes headers as a JSON object. encoding/json writes map
// keys in sorted order, so equal header sets encode identically.
func encodeHeaders(headers map[string]string) (string, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
