// Package client implements the short-lived cluster client: placement
// calls against the metadata server and the bounded-concurrency chunk
// fan-out against chunkservers.
package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/quic-go/quic-go"

	"silo/internal/callgroup"
	"silo/internal/logging"
	"silo/internal/transport"
)

// Connection cache tuning: chunk fan-out reuses one connection per
// chunkserver, so a small bound suffices.
const (
	connCacheCapacity = 64
	connCacheTTL      = 5 * time.Minute
)

// ConnCache is a bounded LRU of live connections keyed by server address,
// with time-based expiry. Concurrent requests for the same address share a
// single dial.
type ConnCache struct {
	cache  *ttlcache.Cache[string, quic.Connection]
	dials  callgroup.Group[string, quic.Connection]
	tlsCfg *tls.Config
	logger *slog.Logger
}

// NewConnCache creates an empty cache dialing with the given TLS config.
func NewConnCache(tlsCfg *tls.Config, logger *slog.Logger) *ConnCache {
	return &ConnCache{
		cache: ttlcache.New(
			ttlcache.WithTTL[string, quic.Connection](connCacheTTL),
			ttlcache.WithCapacity[string, quic.Connection](connCacheCapacity),
		),
		tlsCfg: tlsCfg,
		logger: logging.Default(logger).With("component", "conn-cache"),
	}
}

// Get returns a live connection to addr, dialing if the cache has none.
// A cached connection that reports closed is invalidated and redialed
// exactly once.
func (c *ConnCache) Get(ctx context.Context, addr, hostname string) (quic.Connection, error) {
	if item := c.cache.Get(addr); item != nil {
		conn := item.Value()
		if !transport.IsClosed(conn) {
			return conn, nil
		}
		c.cache.Delete(addr)
	}

	conn, err := c.dials.Do(addr, func() (quic.Connection, error) {
		c.logger.Debug("dialing", "addr", addr, "hostname", hostname)
		conn, err := transport.Dial(ctx, addr, hostname, c.tlsCfg)
		if err != nil {
			return nil, err
		}
		c.cache.Set(addr, conn, ttlcache.DefaultTTL)
		return conn, nil
	})
	return conn, err
}

// Invalidate drops the cached connection for addr, if any.
func (c *ConnCache) Invalidate(addr string) {
	c.cache.Delete(addr)
}

// Close closes every cached connection.
func (c *ConnCache) Close() {
	for _, item := range c.cache.Items() {
		_ = item.Value().CloseWithError(0, "client shutdown")
	}
	c.cache.DeleteAll()
}
