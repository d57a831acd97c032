// Package bufpool provides size-classed reusable byte buffers for inbound
// payloads. Buffers above the largest class are allocated on demand and
// dropped on release.
package bufpool
