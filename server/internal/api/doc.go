// Package api implements the HTTP surface of reqbin-server.
//
// New(store, opts) returns an http.Handler that serves:
//
//	POST   /create              new bin, {"bin_id": "..."}
//	*      /bin/{id}            capture the request into the bin
//	GET    /bin/{id}/inspect    captured requests, oldest first
//	GET    /bin/{id}/expiry     last activity and when the bin expires
//	DELETE /bin/{id}/clear      remove every captured request, {"deleted": n}
//	DELETE /request/{id}        remove one captured request
//	DELETE /delete/{id}         remove the bin
//	GET    /ping                liveness probe, echoes ?message=
//	GET    /bin/{id}/ws         live observer stream (opts.Observe)
//	GET    /metrics             Prometheus exposition (opts.Metrics)
//
// Every route except the observer stream and metrics passes through the
// admission controller. Errors are JSON {"error": "..."} with 400 for a
// malformed id, 404 for an unknown one, 413 for an oversized payload, 429 when
// rate limited and 503 when storage is unavailable.
package api
