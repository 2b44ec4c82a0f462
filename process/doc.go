// Package process runs external programs from tests.
//
// Run executes a command to completion and captures its output. Service
// keeps a program running for the duration of a test, hands it a leased
// port through its environment, and reports healthy once the port accepts
// connections:
//
//	s := fixture.T(t)
//	srv := process.NewService(s.Lease(port.TCP), process.Command{
//		Binary: "./bin/api",
//		Args:   []string{"--listen", "127.0.0.1:{port}"},
//	})
//	s.Services(service.Of("api", srv))
//
// Processes are started in their own process group. Stopping sends SIGTERM
// to the group and SIGKILL once GracePeriod has passed.
package process
