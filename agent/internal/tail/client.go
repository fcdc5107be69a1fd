package tail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Capture is one captured request as seen by an observer.
type Capture struct {
	RequestID string
	BinID     string
	Method    string
	Timestamp time.Time
	Headers   map[string]string
	Body      string
}

// ErrBinClosed is returned by Stream when the server ends the stream
// normally, which happens when the bin is deleted or the server shuts down.
var ErrBinClosed = errors.New("bin stream closed by server")

// Client streams capture events from a reqbin server.
type Client struct {
	// Server is the base URL, e.g. http://localhost:3000 or ws://host:3000.
	Server string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// StreamURL returns the WebSocket URL for binID on server. http and https
// schemes are mapped to ws and wss.
func StreamURL(server, binID string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/bin/" + url.PathEscape(binID) + "/ws"
	return u.String(), nil
}

// Stream connects to binID and calls fn for every capture event until ctx is
// cancelled (returns nil), the server closes the stream (ErrBinClosed), fn
// returns an error, or the connection fails.
func (c *Client) Stream(ctx context.Context, binID string, fn func(Capture) error) error {
	target, err := StreamURL(c.Server, binID)
	if err != nil {
		return err
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s", target, http.StatusText(resp.StatusCode))
		}
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on cancellation.
	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage, //nolint:errcheck
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrBinClosed
			}
			return fmt.Errorf("read: %w", err)
		}

		capture, ok, err := Decode(msg)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := fn(capture); err != nil {
			return err
		}
	}
}

// Decode parses one stream frame. ok is false for well-formed frames that are
// not capture events.
func Decode(msg []byte) (c Capture, ok bool, err error) {
	if !gjson.ValidBytes(msg) {
		return Capture{}, false, fmt.Errorf("malformed frame: %.64q", msg)
	}
	if gjson.GetBytes(msg, "event").String() != "capture" {
		return Capture{}, false, nil
	}

	data := gjson.GetBytes(msg, "data")
	c = Capture{
		RequestID: data.Get("request_id").String(),
		BinID:     data.Get("bin_id").String(),
		Method:    data.Get("method").String(),
		Body:      data.Get("body").String(),
		Headers:   map[string]string{},
	}
	if ts := data.Get("timestamp").String(); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			c.Timestamp = t
		}
	}
	// headers is a JSON object encoded as a string.
	gjson.Parse(data.Get("headers").String()).ForEach(func(k, v gjson.Result) bool {
		c.Headers[k.String()] = v.String()
		return true
	})
	return c, true, nil
}
