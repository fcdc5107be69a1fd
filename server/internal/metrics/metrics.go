package metrics

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// Rejection reasons used as the "reason" label.
const (
	ReasonRateLimited       = "rate_limited"
	ReasonPayloadTooLarge   = "payload_too_large"
	ReasonNotFound          = "not_found"
	ReasonInvalidIdentifier = "invalid_identifier"
	ReasonStorage           = "storage"
)

// latency is tracked in microseconds from 1us to 60s.
const (
	latencyMin = 1
	latencyMax = 60_000_000
)

var quantiles = []float64{0.5, 0.9, 0.99}

// Metrics holds reqbin's process counters. The zero value is not usable; call
// New. A nil *Metrics is valid and records nothing, so components can take
// one optionally.
type Metrics struct {
	captures    atomic.Uint64
	evicted     atomic.Uint64
	keptAlive   atomic.Uint64
	sweepErrors atomic.Uint64
	sweeps      atomic.Uint64

	mu         sync.Mutex
	rejections map[string]uint64
	latency    *hdrhistogram.Histogram
	latencySum float64 // seconds

	gaugeMu sync.RWMutex
	gauges  []gauge
}

type gauge struct {
	name string
	help string
	fn   func() float64
}

// New returns an empty Metrics.
func New() *Metrics {
	return &Metrics{
		rejections: make(map[string]uint64),
		latency:    hdrhistogram.New(latencyMin, latencyMax, 3),
	}
}

// ObserveCapture records one successful capture and how long it took.
func (m *Metrics) ObserveCapture(d time.Duration) {
	if m == nil {
		return
	}
	m.captures.Add(1)

	us := d.Microseconds()
	if us < latencyMin {
		us = latencyMin
	}
	if us > latencyMax {
		us = latencyMax
	}
	m.mu.Lock()
	_ = m.latency.RecordValue(us)
	m.latencySum += d.Seconds()
	m.mu.Unlock()
}

// Reject counts a refused operation under reason.
func (m *Metrics) Reject(reason string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.rejections[reason]++
	m.mu.Unlock()
}

// ObserveSweep records the outcome of one eviction pass.
func (m *Metrics) ObserveSweep(evicted, keptAlive, failed int) {
	if m == nil {
		return
	}
	m.sweeps.Add(1)
	m.evicted.Add(uint64(evicted))
	m.keptAlive.Add(uint64(keptAlive))
	m.sweepErrors.Add(uint64(failed))
}

// RegisterGauge adds a gauge whose value is read from fn at scrape time.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.gaugeMu.Lock()
	m.gauges = append(m.gauges, gauge{name: name, help: help, fn: fn})
	m.gaugeMu.Unlock()
}

// Gather snapshots every metric as Prometheus metric families sorted by name.
func (m *Metrics) Gather() []*dto.MetricFamily {
	if m == nil {
		return nil
	}
	fams := []*dto.MetricFamily{
		counter("reqbin_captures_total", "Requests captured into a bin.", m.captures.Load()),
		counter("reqbin_sweeps_total", "Eviction passes run.", m.sweeps.Load()),
		counter("reqbin_bins_evicted_total", "Bins deleted for inactivity.", m.evicted.Load()),
		counter("reqbin_bins_kept_alive_total", "Expired bins kept because an observer was attached.", m.keptAlive.Load()),
		counter("reqbin_sweep_errors_total", "Eviction candidates that failed to delete.", m.sweepErrors.Load()),
	}

	m.mu.Lock()
	fams = append(fams, m.rejectionFamily(), m.latencyFamily())
	m.mu.Unlock()

	m.gaugeMu.RLock()
	for _, g := range m.gauges {
		fams = append(fams, &dto.MetricFamily{
			Name: proto.String(g.name),
			Help: proto.String(g.help),
			Type: dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{{
				Gauge: &dto.Gauge{Value: proto.Float64(g.fn())},
			}},
		})
	}
	m.gaugeMu.RUnlock()

	sort.Slice(fams, func(i, j int) bool { return fams[i].GetName() < fams[j].GetName() })
	return fams
}

// rejectionFamily must be called with m.mu held.
func (m *Metrics) rejectionFamily() *dto.MetricFamily {
	reasons := make([]string, 0, len(m.rejections))
	for r := range m.rejections {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)

	mf := &dto.MetricFamily{
		Name: proto.String("reqbin_rejections_total"),
		Help: proto.String("Operations refused, by reason."),
		Type: dto.MetricType_COUNTER.Enum(),
	}
	for _, r := range reasons {
		mf.Metric = append(mf.Metric, &dto.Metric{
			Label:   []*dto.LabelPair{{Name: proto.String("reason"), Value: proto.String(r)}},
			Counter: &dto.Counter{Value: proto.Float64(float64(m.rejections[r]))},
		})
	}
	return mf
}

// latencyFamily must be called with m.mu held.
func (m *Metrics) latencyFamily() *dto.MetricFamily {
	s := &dto.Summary{
		SampleCount: proto.Uint64(uint64(m.latency.TotalCount())),
		SampleSum:   proto.Float64(m.latencySum),
	}
	for _, q := range quantiles {
		us := m.latency.ValueAtQuantile(q * 100)
		s.Quantile = append(s.Quantile, &dto.Quantile{
			Quantile: proto.Float64(q),
			Value:    proto.Float64(float64(us) / 1e6),
		})
	}
	return &dto.MetricFamily{
		Name:   proto.String("reqbin_capture_duration_seconds"),
		Help:   proto.String("Time to persist and publish one capture."),
		Type:   dto.MetricType_SUMMARY.Enum(),
		Metric: []*dto.Metric{{Summary: s}},
	}
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{{
			Counter: &dto.Counter{Value: proto.Float64(float64(v))},
		}},
	}
}

// WriteText writes every family in the Prometheus text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	for _, mf := range m.Gather() {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

// Handler serves WriteText over HTTP.
func (m *Metrics) Handler(logger *slog.Logger) http.Handler {
	contentType := string(expfmt.NewFormat(expfmt.TypeTextPlain))
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		if err := m.WriteText(&buf); err != nil {
			logger.Error("render metrics", "err", err)
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(buf.Bytes())
	})
}
