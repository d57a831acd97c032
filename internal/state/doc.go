// Package state tracks the peers connected to the host's servers.
package state
