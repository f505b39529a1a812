package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultConnectTimeout bounds the TCP+TLS dial and the HTTP/2
	// settings exchange.
	DefaultConnectTimeout = 10 * time.Second
)

type Options struct {
	// Host is the bridge address. Port 443 is assumed when absent.
	Host string

	// ConnectTimeout bounds session establishment. Zero selects
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// InsecureTLS skips certificate verification. Bridges ship
	// self-signed certificates, so this usually has to be on.
	InsecureTLS bool

	// Dial overrides the TCP+TLS dial. Tests use this to connect the
	// session to an in-process peer.
	Dial func(ctx context.Context) (net.Conn, error)

	// Listener receives session lifecycle events. Required.
	Listener SessionListener

	Log *zap.Logger
}

func (o Options) connectTimeout() time.Duration {
	if o.ConnectTimeout > 0 {
		return o.ConnectTimeout
	}

	return DefaultConnectTimeout
}

func (o Options) authority() string {
	if _, _, err := net.SplitHostPort(o.Host); err == nil {
		return o.Host
	}

	return net.JoinHostPort(o.Host, "443")
}

func (o Options) tlsConfig() *tls.Config {
	host, _, _ := net.SplitHostPort(o.authority())

	return &tls.Config{
		ServerName:         host,
		NextProtos:         []string{"h2"},
		InsecureSkipVerify: o.InsecureTLS,
	}
}
