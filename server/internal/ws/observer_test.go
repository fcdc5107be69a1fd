package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/reqbin/reqbin/pkg/types"
	"github.com/reqbin/reqbin/server/internal/capture"
	"github.com/reqbin/reqbin/server/internal/hub"
	"github.com/reqbin/reqbin/server/internal/store"
	"github.com/reqbin/reqbin/server/internal/ws"
)

// --- helpers ----------------------------------------------------------------

type env struct {
	store *capture.Store
	hub   *hub.Hub
	base  string // ws://host
	http  string // http://host
}

func start(t *testing.T) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ws.db"), 2)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	h := hub.New(16)
	st := capture.New(db, h, capture.Options{Logger: logger})

	mux := http.NewServeMux()
	mux.Handle("GET /bin/{id}/ws", ws.New(st, h, logger))
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		h.CloseAll()
		srv.Close()
		db.Close()
	})

	return &env{
		store: st,
		hub:   h,
		base:  "ws" + strings.TrimPrefix(srv.URL, "http"),
		http:  srv.URL,
	}
}

func (e *env) newBin(t *testing.T) string {
	t.Helper()
	b, err := e.store.CreateBin(context.Background())
	if err != nil {
		t.Fatalf("CreateBin: %v", err)
	}
	return b.ID
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitLive polls the hub until the bin's liveness matches want.
func waitLive(t *testing.T, h *hub.Hub, binID string, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.Liveness(binID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Liveness(%s): never became %v", binID, want)
}

// --- tests ------------------------------------------------------------------

func TestObserver_ReceivesCaptures(t *testing.T) {
	e := start(t)
	id := e.newBin(t)

	conn := dial(t, e.base+"/bin/"+id+"/ws")
	waitLive(t, e.hub, id, true)

	want, err := e.store.Capture(context.Background(), id, "POST", map[string]string{"x-test": "1"}, []byte("payload"))
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var ev types.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Event != types.EventCapture {
		t.Errorf("event: got %q, want %q", ev.Event, types.EventCapture)
	}
	if ev.Data.RequestID != want.RequestID || ev.Data.Body != "payload" {
		t.Errorf("data: got %+v", ev.Data)
	}
}

func TestObserver_EventsInCaptureOrder(t *testing.T) {
	e := start(t)
	id := e.newBin(t)
	conn := dial(t, e.base+"/bin/"+id+"/ws")
	waitLive(t, e.hub, id, true)

	for _, body := range []string{"one", "two", "three"} {
		if _, err := e.store.Capture(context.Background(), id, "PUT", nil, []byte(body)); err != nil {
			t.Fatalf("Capture: %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}
		var ev types.Event
		json.Unmarshal(msg, &ev) //nolint:errcheck
		if ev.Data.Body != want {
			t.Errorf("body: got %q, want %q", ev.Data.Body, want)
		}
	}
}

func TestObserver_LivenessFollowsConnection(t *testing.T) {
	e := start(t)
	id := e.newBin(t)

	conn := dial(t, e.base+"/bin/"+id+"/ws")
	waitLive(t, e.hub, id, true)

	conn.Close()
	waitLive(t, e.hub, id, false)
}

func TestObserver_BinDeletionClosesStream(t *testing.T) {
	e := start(t)
	id := e.newBin(t)
	conn := dial(t, e.base+"/bin/"+id+"/ws")
	waitLive(t, e.hub, id, true)

	if err := e.store.DeleteBin(context.Background(), id); err != nil {
		t.Fatalf("DeleteBin: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("ReadMessage: got %v, want close error", err)
	}
	if ce.Code != websocket.CloseNormalClosure {
		t.Errorf("close code: got %d, want %d", ce.Code, websocket.CloseNormalClosure)
	}
}

func TestObserver_UnknownBin_Returns404(t *testing.T) {
	e := start(t)
	_, resp, err := websocket.DefaultDialer.Dial(e.base+"/bin/"+uuid.NewString()+"/ws", nil)
	if err == nil {
		t.Fatal("dial to unknown bin succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %v, want 404", resp)
	}
}

func TestObserver_InvalidID_Returns400(t *testing.T) {
	e := start(t)
	_, resp, err := websocket.DefaultDialer.Dial(e.base+"/bin/not-a-uuid/ws", nil)
	if err == nil {
		t.Fatal("dial with malformed id succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %v, want 400", resp)
	}
}

func TestObserver_NonWebSocketRequest_Returns400(t *testing.T) {
	e := start(t)
	id := e.newBin(t)

	resp, err := http.Get(e.http + "/bin/" + id + "/ws")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: got %d, want 400", resp.StatusCode)
	}
	if e.hub.Liveness(id) {
		t.Error("failed upgrade must not attach an observer")
	}
}
