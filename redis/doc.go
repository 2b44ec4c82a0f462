// Package redis runs an in-memory Redis server (miniredis) on a leased
// port as a test service, with a go-redis client already pointed at it.
//
//	s := fixture.T(t)
//	rdb := redis.New(s.Lease(port.TCP))
//	s.Services(service.Of("redis", rdb))
//
//	rdb.Client().Set(ctx, "k", "v", 0)
//
// Reset, Snapshot and Restore let a test rewind the keyspace between
// steps.
package redis
