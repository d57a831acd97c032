// Package status serves the operator-facing HTTP endpoint: a plain-text
// summary of servers and peers, and Prometheus metrics.
package status
