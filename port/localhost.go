package port

import (
	"net"
	"sync"

	"github.com/kbukum/testkit/errors"
)

var loopbacks = []string{"127.0.0.1", "::1"}

var (
	localhostOnce sync.Once
	localhost     string
	localhostErr  error
)

// Localhost returns a loopback address that can be bound, preferring IPv4.
// The result is detected once per process.
func Localhost() (string, error) {
	localhostOnce.Do(func() {
		localhost, localhostErr = detectLocalhost(loopbacks)
	})
	return localhost, localhostErr
}

func detectLocalhost(candidates []string) (string, error) {
	var last error
	for _, host := range candidates {
		ln, err := net.Listen(TCP, net.JoinHostPort(host, "0"))
		if err != nil {
			last = err
			continue
		}
		_ = ln.Close()
		return host, nil
	}
	return "", errors.SetupError("no bindable loopback address", last)
}
