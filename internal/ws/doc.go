// Package ws is the stream-socket strategy for runtimes without raw UDP.
// Each WebSocket binary message is one payload. Both lanes are carried over
// the same ordered stream, so inbound data is always reported on the
// reliable lane.
package ws
