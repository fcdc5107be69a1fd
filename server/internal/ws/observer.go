package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reqbin/reqbin/pkg/types"
	"github.com/reqbin/reqbin/server/internal/api"
	"github.com/reqbin/reqbin/server/internal/hub"
	"github.com/reqbin/reqbin/server/internal/store"
)

const (
	// writeTimeout is the deadline for a single write to an observer.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins; apply CORS at the reverse proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Bins looks up bins by id. *capture.Store satisfies it.
type Bins interface {
	GetBin(ctx context.Context, binID string) (types.Bin, error)
}

// Handler upgrades GET /bin/{id}/ws to a WebSocket and streams that bin's
// capture events until either side goes away or the bin is deleted.
type Handler struct {
	bins   Bins
	hub    *hub.Hub
	logger *slog.Logger
}

// New returns a Handler that checks bins and subscribes through h.
func New(bins Bins, h *hub.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bins: bins, hub: h, logger: logger.With("component", "ws")}
}

// ServeHTTP validates the bin, upgrades the connection and serves the
// observer. Blocks until the connection closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bin, err := h.bins.GetBin(r.Context(), r.PathValue("id"))
	if err != nil {
		api.WriteError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	sub := h.hub.Subscribe(bin.ID)
	defer sub.Close()

	// The bin may have been deleted between the lookup and Subscribe, in
	// which case nobody will ever Remove the fresh channel.
	if _, err := h.bins.GetBin(r.Context(), bin.ID); errors.Is(err, store.ErrNotFound) {
		h.hub.Remove(bin.ID)
	}

	h.logger.Debug("observer connected", "bin_id", bin.ID, "remote", r.RemoteAddr)
	go writePump(conn, sub)
	readPump(conn) // blocks until connection closes
	h.logger.Debug("observer disconnected", "bin_id", bin.ID, "remote", r.RemoteAddr)
}

// writePump forwards queued events to the connection and sends periodic
// pings. A closed subscription ends the stream with a close frame.
func writePump(conn *websocket.Conn, sub *hub.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if !ok {
				// Bin deleted or server shutting down.
				conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bin closed"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames to process control messages (pong, close) and detect
// disconnects. Observers send nothing meaningful. Blocks until the
// connection closes.
func readPump(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
