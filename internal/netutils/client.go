package netutils

import (
	"context"
	"net"
	"net/http"
	"time"
)

const keepAlive = 30 * time.Second

// DialTCP connects to a controller. timeout bounds the connect only.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: keepAlive}
	return d.DialContext(ctx, "tcp", addr)
}

// NewHTTPClient returns a client for the admin API.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         (&net.Dialer{Timeout: timeout, KeepAlive: keepAlive}).DialContext,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
