package net

import (
	"fmt"
	"net"
)

// GetEphemeralTCPPort grabs a free loopback TCP port and releases it, so
// a server under test can be handed a concrete address to listen on.
func GetEphemeralTCPPort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
