// Package pump moves transport events from producer goroutines to one
// consumer goroutine.
//
// Producers push tagged messages into a Queue from any goroutine. The host
// loop calls Pump.Pump once per tick; it dispatches at most maxPerTick
// messages to the registered handlers and returns Data buffers to the pool
// after the callbacks return. Messages left over are kept for the next tick
// and reported as backpressure.
package pump
