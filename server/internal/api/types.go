package api

import "time"

// BinResponse is the payload for POST /create.
type BinResponse struct {
	BinID string `json:"bin_id"`
}

// ExpiryResponse is the payload for GET /bin/{id}/expiry.
type ExpiryResponse struct {
	BinID        string    `json:"bin_id"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ClearResponse is the payload for DELETE /bin/{id}/clear.
type ClearResponse struct {
	Deleted int64 `json:"deleted"`
}

// PingResponse is the payload for GET /ping.
type PingResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}
