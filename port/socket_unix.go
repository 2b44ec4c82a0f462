//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package port

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func reuseControl(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = setReuse(int(fd))
	})
	if err != nil {
		return err
	}
	return serr
}

func setReuse(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("SO_REUSEPORT: %w", err)
	}
	return nil
}

// rawSocket is bound but not listening, so it reserves the port without
// accepting connections meant for the service that later binds it.
type rawSocket struct {
	fd       int
	port     int
	protocol string
}

func bindSocket(protocol string, ip netip.Addr) (Socket, error) {
	domain := unix.AF_INET
	if ip.Is6() {
		domain = unix.AF_INET6
	}
	typ := unix.SOCK_STREAM
	switch protocol {
	case TCP:
	case UDP:
		typ = unix.SOCK_DGRAM
	default:
		return nil, fmt.Errorf("unsupported protocol %q", protocol)
	}

	fd, err := unix.Socket(domain, typ, 0)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)
	if err := setReuse(fd); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	var sa unix.Sockaddr
	if ip.Is6() {
		sa = &unix.SockaddrInet6{Addr: ip.As16()}
	} else {
		sa = &unix.SockaddrInet4{Addr: ip.As4()}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("bind", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError("getsockname", err)
	}
	s := &rawSocket{fd: fd, protocol: protocol}
	switch a := bound.(type) {
	case *unix.SockaddrInet4:
		s.port = a.Port
	case *unix.SockaddrInet6:
		s.port = a.Port
	}
	return s, nil
}

func (s *rawSocket) Port() int { return s.port }

func (s *rawSocket) Listener() (net.Listener, error) {
	if s.protocol != TCP || s.fd < 0 {
		return nil, fmt.Errorf("socket is not a TCP socket")
	}
	if err := unix.Listen(s.fd, unix.SOMAXCONN); err != nil {
		return nil, os.NewSyscallError("listen", err)
	}
	f := s.file()
	defer f.Close()
	return net.FileListener(f)
}

func (s *rawSocket) PacketConn() (net.PacketConn, error) {
	if s.protocol != UDP || s.fd < 0 {
		return nil, fmt.Errorf("socket is not a UDP socket")
	}
	f := s.file()
	defer f.Close()
	return net.FilePacketConn(f)
}

// file hands the descriptor to an *os.File. The net package dups it, so
// closing the file afterwards releases the original.
func (s *rawSocket) file() *os.File {
	f := os.NewFile(uintptr(s.fd), fmt.Sprintf("%s-lease-%d", s.protocol, s.port))
	s.fd = -1
	return f
}

func (s *rawSocket) Close() error {
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
