// Package version reports which build of testkit is running. It is
// attached to telemetry resources and logged when an environment is
// created, so exported test runs can be traced to a testkit release.
//
// Version can be pinned at compile time via -ldflags:
//
//	go test -ldflags "-X github.com/kbukum/testkit/version.Version=1.0.0" ./...
package version
