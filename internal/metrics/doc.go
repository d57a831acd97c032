// Package metrics holds the Prometheus collectors shared by the pumps and the
// connection registries. A nil *Metrics is valid and records nothing.
package metrics
