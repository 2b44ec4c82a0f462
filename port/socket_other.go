//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package port

import (
	"net/netip"
	"syscall"
)

func reuseControl(_, _ string, _ syscall.RawConn) error { return nil }

func bindSocket(protocol string, ip netip.Addr) (Socket, error) {
	return bindNet(protocol, ip)
}
