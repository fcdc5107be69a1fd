// Package metrics keeps reqbin's counters and renders them in the Prometheus
// text exposition format (client_model families encoded with common/expfmt).
// Capture latency quantiles come from an HDR histogram.
package metrics
