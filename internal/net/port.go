package net

import (
	"fmt"
	"net"
)

// EphemeralLoopbackAddr returns a loopback host:port that was free at the time of the call.
func EphemeralLoopbackAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
