// Package logger wraps zerolog with the field conventions used across
// testkit. Fixtures log through a *Logger tagged with their component name;
// inside a test, ForTest routes the output through t.Log so it is captured
// and reported with the test that produced it.
package logger
