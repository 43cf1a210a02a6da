package ws

import (
	"net"
	"syscall"
)

// socketFD extracts the OS file descriptor from a network connection for
// event-loop registration. Returns -1 if the connection does not expose one.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(f uintptr) {
		fd = int(f)
	})
	return fd
}
