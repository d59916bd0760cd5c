package net

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// GetEphemeralTCPPort asks the kernel for a free loopback port and releases it immediately.
// The port is only likely to stay free, so callers must tolerate losing the race.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// IsAddrInUse reports whether err came from binding an address that is already bound.
func IsAddrInUse(err error) bool {
	return errors.Is(err, unix.EADDRINUSE)
}

// AddrFamily returns "IPv4" or "IPv6" for the given IP.
func AddrFamily(ip net.IP) string {
	if ip.To4() != nil {
		return "IPv4"
	}
	return "IPv6"
}
