package types

import "time"

// EventCapture is the Event.Event value for a newly captured request.
const EventCapture = "capture"

// Bin is a time-bounded container addressed by a UUID. LastActivity is
// refreshed by every capture, request deletion and clear against the bin.
type Bin struct {
	ID           string    `json:"bin_id"`
	LastActivity time.Time `json:"last_activity"`
}

// CapturedRequest is one inbound request recorded into a bin.
//
// Seq is the monotonic insertion sequence assigned by the backing store; it
// orders captures within a bin independently of CapturedAt, which can collide.
type CapturedRequest struct {
	RequestID  string    `json:"request_id"`
	BinID      string    `json:"bin_id"`
	Seq        int64     `json:"-"`
	Method     string    `json:"method"`
	Headers    string    `json:"headers"` // JSON object, name -> value
	Body       string    `json:"body"`
	CapturedAt time.Time `json:"timestamp"`
}

// Event is the envelope pushed to observers over the live stream.
type Event struct {
	Event string          `json:"event"`
	Data  CapturedRequest `json:"data"`
}
