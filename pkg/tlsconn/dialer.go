package tlsconn

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/sammck-go/kvstransport/pkg/kvserr"
)

// Dial resolves host and opens a TCP stream to host:port. A zero timeout means
// the connect blocks until it succeeds, fails, or ctx is done.
func Dial(ctx context.Context, host string, port int, timeout time.Duration) (net.Conn, error) {
	if host == "" || port <= 0 || port > 65535 {
		return nil, kvserr.Errorf(kvserr.BadParameter, "invalid address %q port %d", host, port)
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return nil, kvserr.Wrapf(kvserr.ConnectFailure, err, "resolving %s", host)
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, kvserr.Wrapf(kvserr.ConnectFailure, err, "%s:%d refused", host, port)
		}
		return nil, kvserr.Wrapf(kvserr.ConnectFailure, err, "connecting to %s:%d", host, port)
	}

	// Signaling messages are small and latency sensitive
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			conn.Close()
			return nil, kvserr.Wrapf(kvserr.ConnectFailure, err, "setting TCP_NODELAY")
		}
	}
	return conn, nil
}
