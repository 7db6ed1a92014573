// Package transport wraps the QUIC endpoints used by every process in the
// cluster: connection-oriented, multiplexed, one bidirectional stream per
// request. All endpoints negotiate the same ALPN identifier and share the
// keep-alive/idle-timeout tuning required by the heartbeat plane.
package transport

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"

	"silo/internal/wire"
)

// Keep-alive must fire well inside the heartbeat window so a quiet
// CS→MS connection is not torn down between heartbeats; the idle timeout
// must outlive heartbeat interval + margin so liveness is decided by the
// metadata server, not the transport.
const (
	KeepAlivePeriod = 20 * time.Second
	MaxIdleTimeout  = wire.HeartbeatInterval + 2*wire.HeartbeatMargin
)

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  MaxIdleTimeout,
		KeepAlivePeriod: KeepAlivePeriod,
	}
}

func withALPN(tlsConf *tls.Config) *tls.Config {
	c := tlsConf.Clone()
	c.NextProtos = []string{wire.ALPN}
	return c
}

// Listen binds a QUIC listener on addr with the cluster ALPN and timeouts.
func Listen(addr string, tlsConf *tls.Config) (*quic.Listener, error) {
	return quic.ListenAddr(addr, withALPN(tlsConf), quicConfig())
}

// Dial opens a QUIC connection to addr, verifying the peer certificate
// against serverName.
func Dial(ctx context.Context, addr, serverName string, tlsConf *tls.Config) (quic.Connection, error) {
	c := withALPN(tlsConf)
	c.ServerName = serverName
	return quic.DialAddr(ctx, addr, c, quicConfig())
}

// IsClosed reports whether conn has been closed, locally or by the peer.
func IsClosed(conn quic.Connection) bool {
	return conn.Context().Err() != nil
}
