//go:build !windows

package telnet

import "syscall"

// setReuseAddr marks the listening socket reusable so a restarted daemon can
// rebind the console port while old sessions linger in TIME_WAIT.
func setReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
