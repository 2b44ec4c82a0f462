// Package config loads testkit settings.
//
// Settings come, in increasing precedence, from built-in defaults, an
// optional testkit.yml file, an optional .env file and TESTKIT_* environment
// variables:
//
//	TESTKIT_LOOP_POLICY=pool          # alternate scheduler, if available
//	TESTKIT_LOOP_POOL_SIZE=8
//	TESTKIT_LOOP_GRACE_PERIOD=2s
//	TESTKIT_PORTS_MAX_ATTEMPTS=32
//
// Usage:
//
//	cfg, err := config.Load()
package config
