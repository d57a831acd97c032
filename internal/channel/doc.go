// Package channel holds the pieces shared by the KCP and WebSocket strategies:
// construction options, the client lifecycle base and the connection-id
// allocator.
package channel
