// Package proxy provides a TCP proxy service for tests that need to delay,
// rewrite, or cut the traffic between a client and a server.
package proxy

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/kbukum/testkit/logger"
	"github.com/kbukum/testkit/loop"
	"github.com/kbukum/testkit/port"
	"github.com/kbukum/testkit/service"
	"github.com/kbukum/testkit/tcpserver"
)

// ChunkSize is the largest chunk read from either side at once.
const ChunkSize = 64 * 1024

// Processor rewrites a chunk travelling through the proxy.
type Processor func(ctx context.Context, chunk []byte) ([]byte, error)

// Proxy forwards TCP connections from a leased port to a target address.
// Client to target traffic is the read direction; target to client is the
// write direction.
type Proxy struct {
	target string
	server *tcpserver.Server
	log    *logger.Logger

	mu         sync.Mutex
	readDelay  time.Duration
	writeDelay time.Duration
	readProc   Processor
	writeProc  Processor
	clients    map[*client]struct{}
}

// New returns a proxy listening on lease and forwarding to target.
func New(lease *port.Lease, target string) *Proxy {
	p := &Proxy{
		target:  target,
		log:     logger.WithComponent("proxy"),
		clients: make(map[*client]struct{}),
	}
	p.server = tcpserver.New(lease, p.handle, tcpserver.WithName("proxy"), tcpserver.WithLogger(p.log))
	return p
}

// Name returns the service name.
func (p *Proxy) Name() string { return "proxy" }

// Addr returns the address clients connect to.
func (p *Proxy) Addr() string { return p.server.Addr() }

// Target returns the address traffic is forwarded to.
func (p *Proxy) Target() string { return p.target }

// Start starts accepting connections.
func (p *Proxy) Start(ctx context.Context) error {
	p.log.Debug("starting", logger.Fields("listen", p.Addr(), "target", p.target))
	return p.server.Start(ctx)
}

// Stop disconnects every client and stops accepting.
func (p *Proxy) Stop(ctx context.Context) error {
	p.DisconnectAll()
	return p.server.Stop(ctx)
}

// Health reports whether the proxy accepts connections.
func (p *Proxy) Health(ctx context.Context) service.Health {
	h := p.server.Health(ctx)
	h.Name = p.Name()
	return h
}

// Dial opens a client connection through the proxy.
func (p *Proxy) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, port.TCP, p.Addr())
}

// SetDelay sets the pause before each forwarded chunk, for current and
// future clients.
func (p *Proxy) SetDelay(read, write time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log.Debug("setting delay", logger.Fields("read", read.String(), "write", write.String()))
	p.readDelay, p.writeDelay = read, write
	for c := range p.clients {
		c.read.delay.set(read)
		c.write.delay.set(write)
	}
}

// Slowdown sets delays and returns a function restoring the previous ones.
//
//	defer p.Slowdown(time.Second, 0)()
func (p *Proxy) Slowdown(read, write time.Duration) (restore func()) {
	p.mu.Lock()
	oldRead, oldWrite := p.readDelay, p.writeDelay
	p.mu.Unlock()
	p.SetDelay(read, write)
	return func() { p.SetDelay(oldRead, oldWrite) }
}

// SetProcessors sets the chunk processors for current and future clients.
// A nil processor forwards chunks unchanged.
func (p *Proxy) SetProcessors(read, write Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readProc, p.writeProc = read, write
	for c := range p.clients {
		c.read.setProcessor(read)
		c.write.setProcessor(write)
	}
}

// DisconnectAll closes every client connection and its target
// connection. The proxy keeps accepting new clients.
func (p *Proxy) DisconnectAll() {
	p.mu.Lock()
	clients := make([]*client, 0, len(p.clients))
	for c := range p.clients {
		clients = append(clients, c)
	}
	p.mu.Unlock()

	p.log.Debug("disconnecting clients", logger.Fields("clients", len(clients)))
	for _, c := range clients {
		c.close()
	}
	p.server.CloseConns()
}

// Clients returns the number of connected clients.
func (p *Proxy) Clients() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

func (p *Proxy) handle(ctx context.Context, down net.Conn) {
	var d net.Dialer
	up, err := d.DialContext(ctx, port.TCP, p.target)
	if err != nil {
		p.log.Warn("connecting to target failed", logger.Fields("target", p.target, logger.FieldError, err))
		return
	}
	defer up.Close()

	p.mu.Lock()
	c := &client{
		read:  newPipe("read", down, up, p.readDelay, p.readProc),
		write: newPipe("write", up, down, p.writeDelay, p.writeProc),
	}
	p.clients[c] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.clients, c)
		p.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, c.close)
	defer stop()

	l := loop.FromContext(ctx)
	done := make(chan error, 1)
	if err := l.Go("proxy write", func(ctx context.Context) error {
		err := c.write.run(ctx)
		done <- err
		return err
	}); err != nil {
		return
	}
	readErr := c.read.run(ctx)
	writeErr := <-done
	if err := stderrors.Join(readErr, writeErr); err != nil {
		p.log.Warn("proxy pipe failed", logger.ErrorFields("pipe", err))
	}
}

type client struct {
	read  *pipe
	write *pipe
}

// close ends both pipes.
func (c *client) close() {
	_ = c.read.src.Close()
	_ = c.read.dst.Close()
}

type pipe struct {
	name  string
	src   net.Conn
	dst   net.Conn
	delay *delay

	mu   sync.Mutex
	proc Processor
}

func newPipe(name string, src, dst net.Conn, d time.Duration, proc Processor) *pipe {
	return &pipe{name: name, src: src, dst: dst, delay: newDelay(d), proc: proc}
}

func (p *pipe) setProcessor(proc Processor) {
	p.mu.Lock()
	p.proc = proc
	p.mu.Unlock()
}

func (p *pipe) processor() Processor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.proc
}

// run copies src to dst chunk by chunk until either side is closed. It then
// half-closes dst so the peer sees EOF.
func (p *pipe) run(ctx context.Context) error {
	defer closeWrite(p.dst)

	buf := make([]byte, ChunkSize)
	for {
		n, err := p.src.Read(buf)
		if n > 0 {
			if werr := p.forward(ctx, buf[:n]); werr != nil {
				// A cancelled context means the proxy is stopping and both
				// conns are being closed; the chunk has nowhere to go.
				if ctx.Err() != nil {
					return nil
				}
				return werr
			}
		}
		if err != nil {
			if closed(err) {
				return nil
			}
			return fmt.Errorf("%s: %w", p.name, err)
		}
	}
}

func (p *pipe) forward(ctx context.Context, chunk []byte) error {
	if err := p.delay.Wait(ctx); err != nil {
		return fmt.Errorf("%s delay: %w", p.name, err)
	}
	if proc := p.processor(); proc != nil {
		var err error
		if chunk, err = proc(ctx, chunk); err != nil {
			return fmt.Errorf("%s processor: %w", p.name, err)
		}
	}
	if _, err := p.dst.Write(chunk); err != nil {
		if closed(err) {
			return nil
		}
		return fmt.Errorf("%s: %w", p.name, err)
	}
	return nil
}

// closed reports whether err only says the connection is gone.
func closed(err error) bool {
	return stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, net.ErrClosed) ||
		stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.EPIPE)
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
