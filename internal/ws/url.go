package ws

import "strings"

// dialURL expands a bare host:port into ws://host:port<path>.
func dialURL(address, path string) string {
	if strings.Contains(address, "://") {
		return address
	}
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + address + path
}
