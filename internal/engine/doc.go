// Package engine runs the host loop.
//
// Once per tick it advances every server and pumps its events on the same
// goroutine, so application handlers never race each other. The application
// on top is an echo service: every payload goes back to its sender on the
// lane it arrived on. Peers are tracked in a state.PeerStore and sessions
// older than the configured max age are disconnected.
package engine
