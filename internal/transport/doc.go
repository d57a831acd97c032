// Package transport defines the shared contract of the tickwire channels.
//
// It holds the event model (Message, Lane, EventKind), the client lifecycle
// state machine, the protocol configuration, the error taxonomy and the
// Handlers registry through which consumers subscribe to events. Concrete
// strategies live in internal/kcp and internal/ws.
package transport
