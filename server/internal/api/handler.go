package api

import (
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/reqbin/reqbin/server/internal/admission"
	"github.com/reqbin/reqbin/server/internal/capture"
)

// Options wires the optional collaborators of the handler.
type Options struct {
	// Admission rate-limits every route except Observe and Metrics.
	// Nil disables rate limiting.
	Admission *admission.Controller

	// Observe serves GET /bin/{id}/ws. Nil leaves the route unregistered.
	Observe http.Handler

	// Metrics serves GET /metrics. Nil leaves the route unregistered.
	Metrics http.Handler

	// Expiry is the inactivity window reported by the expiry route.
	Expiry time.Duration

	Logger *slog.Logger
}

// Handler serves the reqbin HTTP surface.
type Handler struct {
	store  *capture.Store
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Handler over st and registers all routes.
func New(st *capture.Store, opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Expiry <= 0 {
		opts.Expiry = time.Hour
	}
	h := &Handler{
		store:  st,
		opts:   opts,
		logger: opts.Logger.With("component", "api"),
		mux:    http.NewServeMux(),
	}

	h.handle("POST /create", h.createBin)
	h.handle("/bin/{id}", h.capture) // any method
	h.handle("GET /bin/{id}/inspect", h.inspect)
	h.handle("GET /bin/{id}/expiry", h.expiry)
	h.handle("DELETE /bin/{id}/clear", h.clear)
	h.handle("DELETE /request/{id}", h.deleteRequest)
	h.handle("DELETE /delete/{id}", h.deleteBin)
	h.handle("GET /ping", h.ping)

	// Observers hold one long-lived connection; they are not rate limited.
	if opts.Observe != nil {
		h.mux.Handle("GET /bin/{id}/ws", opts.Observe)
	}
	if opts.Metrics != nil {
		h.mux.Handle("GET /metrics", opts.Metrics)
	}

	return h
}

func (h *Handler) handle(pattern string, fn http.HandlerFunc) {
	var handler http.Handler = fn
	if h.opts.Admission != nil {
		handler = h.opts.Admission.Middleware(handler)
	}
	h.mux.Handle(pattern, handler)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// createBin handles POST /create.
func (h *Handler) createBin(w http.ResponseWriter, r *http.Request) {
	bin, err := h.store.CreateBin(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, BinResponse{BinID: bin.ID})
}

// capture handles any method on /bin/{id} and returns the stored entry.
func (h *Handler) capture(w http.ResponseWriter, r *http.Request) {
	// Read at most one byte past the limit; Capture rejects anything longer.
	limit := int64(h.store.Limits().MaxBodySize)
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	req, err := h.store.Capture(r.Context(), r.PathValue("id"), r.Method, flattenHeaders(r), body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, req)
}

// inspect handles GET /bin/{id}/inspect.
func (h *Handler) inspect(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.store.List(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, reqs)
}

// expiry handles GET /bin/{id}/expiry.
func (h *Handler) expiry(w http.ResponseWriter, r *http.Request) {
	bin, err := h.store.GetBin(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, ExpiryResponse{
		BinID:        bin.ID,
		LastActivity: bin.LastActivity,
		ExpiresAt:    bin.LastActivity.Add(h.opts.Expiry),
	})
}

// clear handles DELETE /bin/{id}/clear.
func (h *Handler) clear(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Clear(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, ClearResponse{Deleted: n})
}

// deleteRequest handles DELETE /request/{id}.
func (h *Handler) deleteRequest(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteRequest(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteBin handles DELETE /delete/{id}.
func (h *Handler) deleteBin(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteBin(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ping handles GET /ping and echoes ?message=, defaulting to "pong".
func (h *Handler) ping(w http.ResponseWriter, r *http.Request) {
	msg := r.URL.Query().Get("message")
	if msg == "" {
		msg = "pong"
	}
	jsonResp(w, http.StatusOK, PingResponse{OK: true, Message: msg})
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if code := StatusFor(err); code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	WriteError(w, err)
}

// flattenHeaders returns the request headers keyed by lowercase name. For a
// repeated header the last value wins. Host is included as a header.
func flattenHeaders(r *http.Request) map[string]string {
	out := make(map[string]string, len(r.Header)+1)
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		out[strings.ToLower(name)] = values[len(values)-1]
	}
	if r.Host != "" {
		out["host"] = r.Host
	}
	return out
}
