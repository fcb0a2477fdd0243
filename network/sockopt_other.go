//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package network

import "syscall"

func reuseControl(network, address string, raw syscall.RawConn) error {
	return nil
}
