// Package kcp implements the reliable/unreliable UDP strategy on top of the
// KCP state machine from github.com/xtaci/kcp-go/v5.
//
// Every datagram starts with a lane byte. Reliable datagrams carry KCP
// segments; the KCP handle reserves the first byte of each output buffer for
// the lane. Unreliable datagrams carry [kind][payload] directly. Reassembled
// reliable messages use the same [kind][payload] layout.
//
// The Server never schedules itself: the host loop calls Tick once per
// interval, which feeds input, drains messages, enforces timeouts and flushes
// every KCP handle. The Client runs its own socket goroutine.
package kcp
