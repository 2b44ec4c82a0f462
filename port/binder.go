package port

import (
	"context"
	"fmt"
	"net"
	"net/netip"
)

// Protocols understood by the allocator.
const (
	TCP = "tcp"
	UDP = "udp"
)

// Socket is a socket bound by a Binder.
type Socket interface {
	// Port is the port the socket is bound to.
	Port() int
	// Listener converts a TCP socket into a listener. The listener takes
	// ownership; Close becomes a no-op.
	Listener() (net.Listener, error)
	// PacketConn converts a UDP socket into a packet connection. The
	// connection takes ownership; Close becomes a no-op.
	PacketConn() (net.PacketConn, error)
	Close() error
}

// Binder obtains a candidate port by binding port 0.
type Binder interface {
	Bind(ctx context.Context, protocol, host string) (Socket, error)
}

// BinderFunc adapts a function to a Binder.
type BinderFunc func(ctx context.Context, protocol, host string) (Socket, error)

// Bind calls f.
func (f BinderFunc) Bind(ctx context.Context, protocol, host string) (Socket, error) {
	return f(ctx, protocol, host)
}

// OSBinder binds real sockets.
type OSBinder struct{}

// Bind binds protocol on host port 0.
func (OSBinder) Bind(ctx context.Context, protocol, host string) (Socket, error) {
	ip, err := resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return bindSocket(protocol, ip)
}

// ListenConfig returns a net.ListenConfig that can bind an address whose
// port is held by a lease.
func ListenConfig() *net.ListenConfig {
	return &net.ListenConfig{Control: reuseControl}
}

func resolve(ctx context.Context, host string) (netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return ip.Unmap(), nil
	}
	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolving %q: %w", host, err)
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("resolving %q: no addresses", host)
	}
	return ips[0].Unmap(), nil
}

// netSocket holds a listener or packet connection bound through the net
// package.
type netSocket struct {
	ln net.Listener
	pc net.PacketConn
}

func (s *netSocket) Port() int {
	switch {
	case s.ln != nil:
		return s.ln.Addr().(*net.TCPAddr).Port
	case s.pc != nil:
		return s.pc.LocalAddr().(*net.UDPAddr).Port
	}
	return 0
}

func (s *netSocket) Listener() (net.Listener, error) {
	if s.ln == nil {
		return nil, fmt.Errorf("socket is not a TCP listener")
	}
	ln := s.ln
	s.ln = nil
	return ln, nil
}

func (s *netSocket) PacketConn() (net.PacketConn, error) {
	if s.pc == nil {
		return nil, fmt.Errorf("socket is not a UDP socket")
	}
	pc := s.pc
	s.pc = nil
	return pc, nil
}

func (s *netSocket) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
		s.ln = nil
	}
	if s.pc != nil {
		err = s.pc.Close()
		s.pc = nil
	}
	return err
}

func bindNet(protocol string, ip netip.Addr) (Socket, error) {
	addr := netip.AddrPortFrom(ip, 0).String()
	lc := ListenConfig()
	switch protocol {
	case TCP:
		ln, err := lc.Listen(context.Background(), TCP, addr)
		if err != nil {
			return nil, err
		}
		return &netSocket{ln: ln}, nil
	case UDP:
		pc, err := lc.ListenPacket(context.Background(), UDP, addr)
		if err != nil {
			return nil, err
		}
		return &netSocket{pc: pc}, nil
	}
	return nil, fmt.Errorf("unsupported protocol %q", protocol)
}
