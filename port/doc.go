// Package port hands out ephemeral TCP and UDP ports that are free on the
// host and never duplicated within one Allocator.
//
// A candidate is obtained by a real bind on port 0, so the operating system
// picks a port that is free at that moment. By default the bound socket is
// kept for the lifetime of the lease. On unix the held socket is bound but
// not listening, with SO_REUSEADDR and SO_REUSEPORT set, so a service in the
// same process can bind the same address through ListenConfig while other
// processes are never handed the port by the kernel.
//
// UDP sockets in a SO_REUSEPORT group share incoming datagrams. UDP services
// should take the held socket with Lease.PacketConn, or call Lease.Unhold
// before binding the address themselves.
//
//	alloc := port.New(cfg.Ports)
//	lease, err := alloc.Acquire(ctx, port.TCP, "")
//	if err != nil {
//		return err
//	}
//	defer alloc.Release(lease)
//	ln, err := lease.Listener()
package port
