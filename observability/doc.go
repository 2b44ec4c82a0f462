// Package observability wires testkit fixtures to OpenTelemetry.
//
// Fixtures record metrics and spans through the global providers. Unless
// Init is called with an endpoint, those providers are the OpenTelemetry
// no-ops and nothing leaves the test process.
package observability
