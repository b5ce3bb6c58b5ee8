package net

import (
	"fmt"
	"net"
)

// GetEphemeralAddr returns host:port for a TCP port on host that was free when checked.
func GetEphemeralAddr(host string) (string, error) {
	listener, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}
