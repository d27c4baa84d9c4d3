package main

import "net"

// remoteHost strips the port from a RemoteAddr. middleware.RealIP may have
// replaced it with a bare address already.
func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
