package port

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Lease is a reserved port. It stays reserved in its Allocator until
// released.
type Lease struct {
	ID       string
	Port     int
	Protocol string
	Host     string

	owner *Allocator

	mu       sync.Mutex
	sock     Socket
	released bool
}

// Addr returns host:port.
func (l *Lease) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// Held reports whether the lease still owns its bound socket.
func (l *Lease) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sock != nil
}

// Released reports whether the lease was returned to its allocator.
func (l *Lease) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Listener returns a TCP listener on the leased address. A held socket is
// handed over to the listener; otherwise the address is bound anew. The
// caller owns the listener.
func (l *Lease) Listener() (net.Listener, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(TCP); err != nil {
		return nil, err
	}
	if l.sock != nil {
		sock := l.sock
		l.sock = nil
		ln, err := sock.Listener()
		if err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("lease %s: %w", l.Addr(), err)
		}
		return ln, nil
	}
	return ListenConfig().Listen(context.Background(), TCP, l.Addr())
}

// PacketConn returns a UDP socket on the leased address. A held socket is
// handed over; otherwise the address is bound anew. The caller owns the
// connection.
func (l *Lease) PacketConn() (net.PacketConn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.usable(UDP); err != nil {
		return nil, err
	}
	if l.sock != nil {
		sock := l.sock
		l.sock = nil
		pc, err := sock.PacketConn()
		if err != nil {
			_ = sock.Close()
			return nil, fmt.Errorf("lease %s: %w", l.Addr(), err)
		}
		return pc, nil
	}
	return ListenConfig().ListenPacket(context.Background(), UDP, l.Addr())
}

// Unhold closes the held socket while keeping the port reserved in the
// allocator. Use it before another process binds the port.
func (l *Lease) Unhold() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeSocket()
}

func (l *Lease) usable(protocol string) error {
	if l.released {
		return fmt.Errorf("lease %s already released", l.Addr())
	}
	if l.Protocol != protocol {
		return fmt.Errorf("lease %s is %s, not %s", l.Addr(), l.Protocol, protocol)
	}
	return nil
}

// closeSocket must be called with l.mu held.
func (l *Lease) closeSocket() error {
	if l.sock == nil {
		return nil
	}
	sock := l.sock
	l.sock = nil
	return sock.Close()
}

// release marks the lease released and closes its socket. It reports
// whether this call did the release.
func (l *Lease) release() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return false, nil
	}
	l.released = true
	return true, l.closeSocket()
}

func (l *Lease) String() string {
	return fmt.Sprintf("%s/%s", l.Addr(), l.Protocol)
}
