// Package httpserver runs a Gin engine on a leased port as a test service.
//
// The server speaks HTTP/1.1 and HTTP/2 cleartext (h2c) on the same port,
// so gRPC-over-HTTP handlers can be mounted next to Gin routes with Handle.
//
//	s := fixture.T(t)
//	srv := httpserver.New(s.Lease(port.TCP))
//	srv.Engine().GET("/users/:id", getUser)
//	s.Services(service.Of("api", srv))
//
//	resp, err := http.Get(srv.BaseURL() + "/users/1")
package httpserver
