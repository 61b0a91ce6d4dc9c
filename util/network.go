package util

import (
	"net"
	"strconv"
)

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// EnsurePort returns addr unchanged when it already carries a port,
// otherwise addr joined with defaultPort.
func EnsurePort(addr string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return FormatAddr(addr, defaultPort)
}
