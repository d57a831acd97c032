// Package packetlog writes transport telemetry as newline-delimited JSON:
// one record per connection event, flushed as it is written.
package packetlog
