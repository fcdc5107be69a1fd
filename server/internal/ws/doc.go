// Package ws is the WebSocket transport for live observers.
//
// Handler serves GET /bin/{id}/ws. It answers 400 for a malformed id and 404
// for an unknown bin before upgrading. Once upgraded the observer is attached
// to the bin's hub channel, which keeps the bin alive for as long as the
// connection lasts.
//
// Message format sent to observers:
//
//	{
//	  "event": "capture",
//	  "data":  { /* same schema as one element of GET /bin/{id}/inspect */ }
//	}
//
// A ping is sent every 54s and a missing pong for 60s drops the connection.
// When the bin is deleted the stream ends with a normal close frame.
package ws
