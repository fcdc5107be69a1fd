package tail

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const frame = `{"event":"capture","data":{"request_id":"6f1c5a9e-0000-4000-8000-000000000001","bin_id":"b","method":"POST","headers":"{\"content-type\":\"text/plain\",\"x-id\":\"7\"}","body":"hello\nworld","timestamp":"2024-05-01T09:30:00.123456789Z"}}`

func TestDecode(t *testing.T) {
	c, ok, err := Decode([]byte(frame))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "POST", c.Method)
	assert.Equal(t, "hello\nworld", c.Body)
	assert.Equal(t, map[string]string{"content-type": "text/plain", "x-id": "7"}, c.Headers)
	assert.Equal(t, time.Date(2024, 5, 1, 9, 30, 0, 123456789, time.UTC), c.Timestamp)
}

func TestDecode_OtherEventsAndGarbage(t *testing.T) {
	_, ok, err := Decode([]byte(`{"event":"heartbeat"}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = Decode([]byte(`{not json`))
	assert.Error(t, err)
}

func TestStreamURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:3000":      "ws://localhost:3000/bin/abc/ws",
		"https://reqbin.example/":    "wss://reqbin.example/bin/abc/ws",
		"ws://10.0.0.1:3000/prefix":  "ws://10.0.0.1:3000/prefix/bin/abc/ws",
		"wss://reqbin.example:8443/": "wss://reqbin.example:8443/bin/abc/ws",
	}
	for in, want := range cases {
		got, err := StreamURL(in, "abc")
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := StreamURL("ftp://host", "abc")
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	c, _, err := Decode([]byte(frame))
	require.NoError(t, err)

	var buf bytes.Buffer
	NewRenderer(&buf, true, true, true).Render(c)
	out := buf.String()

	assert.Contains(t, out, "POST")
	assert.Contains(t, out, "6f1c5a9e-0000-4000-8000-000000000001")
	assert.Contains(t, out, "(2 headers, 11 bytes)")
	assert.Contains(t, out, "  content-type: text/plain\n")
	assert.Contains(t, out, "  | hello\n  | world\n")
	assert.NotContains(t, out, "\x1b[", "no escape codes with color disabled")
}

func TestRender_ColorIsPerRenderer(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	t.Cleanup(func() { color.NoColor = prev })

	c, _, err := Decode([]byte(frame))
	require.NoError(t, err)

	var plain, colored bytes.Buffer
	NewRenderer(&plain, true, false, false).Render(c)
	NewRenderer(&colored, false, false, false).Render(c)

	assert.False(t, color.NoColor, "renderer must not change the global setting")
	assert.NotContains(t, plain.String(), "\x1b[")
	assert.Contains(t, colored.String(), "\x1b[")
}

// server sends frames then closes the stream normally, like a deleted bin.
func server(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bin/abc/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f)) //nolint:errcheck
		}
		conn.WriteMessage(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bin closed"))
		conn.ReadMessage() //nolint:errcheck
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestStream_DeliversUntilServerCloses(t *testing.T) {
	srv := server(t, frame, `{"event":"other"}`, frame)
	c := &Client{Server: srv.URL}

	var got []Capture
	err := c.Stream(context.Background(), "abc", func(cp Capture) error {
		got = append(got, cp)
		return nil
	})
	assert.ErrorIs(t, err, ErrBinClosed)
	assert.Len(t, got, 2)
}

func TestStream_CallbackErrorStops(t *testing.T) {
	srv := server(t, frame, frame)
	c := &Client{Server: srv.URL}

	stop := errors.New("stop")
	calls := 0
	err := c.Stream(context.Background(), "abc", func(Capture) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestStream_NotFound(t *testing.T) {
	srv := server(t)
	c := &Client{Server: srv.URL}

	err := c.Stream(context.Background(), "missing", func(Capture) error { return nil })
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Not Found"), err.Error())
}

func TestStream_CancelReturnsNil(t *testing.T) {
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage() //nolint:errcheck
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- (&Client{Server: srv.URL}).Stream(ctx, "abc", func(Capture) error { return nil })
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after cancel")
	}
}
