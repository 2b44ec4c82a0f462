// Package fixture exposes testkit to tests written with the testing
// package.
//
// An Env is built once per test binary and owns the port allocator, the
// loop manager, and telemetry. Env.T returns the per-test Scope, whose
// methods are the fixtures: a loop, unused ports, started services, and an
// adapter that runs a test body on the loop.
//
//	func TestMain(m *testing.M) {
//		fixture.Main(m)
//	}
//
//	func TestEcho(t *testing.T) {
//		s := fixture.T(t)
//		srv := tcpserver.New(s.Lease(port.TCP), echo)
//		s.Services(service.Of("echo", srv))
//		s.Run(func(ctx context.Context) error {
//			conn, err := net.Dial("tcp", srv.Addr())
//			...
//		})
//	}
//
// Teardown is registered with t.Cleanup. Services stop before the loop
// closes, and leased ports are released after both.
package fixture
