// Package service starts and stops the background services a test declares.
//
// Services are started one after another in declaration order, so later
// services can rely on earlier ones. The first failure stops the sequence
// and every service already started is stopped again, last first. StopAll
// stops in exact reverse start order, attempts every stop, and reports all
// failures together.
//
// Anything with Start and Stop methods is a Service. A service that also
// implements HealthChecker is polled after Start until it reports healthy.
package service
