//go:build windows

package telnet

import "syscall"

// setReuseAddr marks the listening socket reusable. Windows sockets use a
// Handle rather than an int descriptor.
func setReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
