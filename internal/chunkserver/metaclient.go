package chunkserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/shirou/gopsutil/v3/disk"

	"silo/internal/logging"
	"silo/internal/transport"
	"silo/internal/wire"
)

// availableSpaceHeadroom keeps a safety margin between the space the
// heartbeat advertises and what the disk actually has left.
const availableSpaceHeadroom = 0.9

// MetaClient owns the single logical connection from a chunkserver to the
// metadata server: dial with exponential backoff, the discover handshake
// after every (re)connect, and the periodic heartbeat.
type MetaClient struct {
	cfg    MetaClientConfig
	logger *slog.Logger

	// conn holds the current connection; reconnectMu serializes
	// reestablishment (double-checked: load, lock, re-load, dial, store).
	// The mutex is never held across the handshake.
	conn        atomic.Pointer[quic.Connection]
	reconnectMu sync.Mutex
}

// MetaClientConfig holds MetaClient configuration.
type MetaClientConfig struct {
	ServerID uuid.UUID
	Hostname string
	RackID   string

	// Advertised addresses other processes should dial, as opposed to the
	// local bind addresses.
	AdvertisedInternalAddr string
	AdvertisedExternalAddr string

	MetadataAddr     string
	MetadataHostname string
	TLS              *tls.Config

	Store *Store
	// Requests drains the external request counter; wired to
	// External.RequestsSinceHeartbeat.
	Requests func() uint64

	// AdvertisedCapacity caps the reported available space in bytes.
	// Zero means the disk is the only limit.
	AdvertisedCapacity uint64

	// HeartbeatInterval defaults to the protocol constant; tests shrink it.
	HeartbeatInterval time.Duration

	Logger *slog.Logger
}

// NewMetaClient creates the liveness client.
func NewMetaClient(cfg MetaClientConfig) *MetaClient {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = wire.HeartbeatInterval
	}
	return &MetaClient{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "meta-client"),
	}
}

// connection returns the live connection, reestablishing it if the current
// one is missing or closed.
func (c *MetaClient) connection(ctx context.Context) (quic.Connection, error) {
	if p := c.conn.Load(); p != nil && !transport.IsClosed(*p) {
		return *p, nil
	}
	return c.reestablish(ctx)
}

// reestablish dials the metadata server under the reconnect guard. The
// double check keeps a stampede of callers from each dialing; whoever wins
// performs the discover handshake after dropping the guard.
func (c *MetaClient) reestablish(ctx context.Context) (quic.Connection, error) {
	c.reconnectMu.Lock()
	if p := c.conn.Load(); p != nil && !transport.IsClosed(*p) {
		c.reconnectMu.Unlock()
		return *p, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	conn, err := backoff.RetryWithData(func() (quic.Connection, error) {
		conn, err := transport.Dial(ctx, c.cfg.MetadataAddr, c.cfg.MetadataHostname, c.cfg.TLS)
		if err != nil {
			c.logger.Warn("metadata server dial failed", "addr", c.cfg.MetadataAddr, "error", err)
			return nil, err
		}
		return conn, nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		c.reconnectMu.Unlock()
		return nil, err
	}

	c.conn.Store(&conn)
	c.reconnectMu.Unlock()

	if err := c.handshake(ctx, conn); err != nil {
		// Without a discover the metadata server never learns about this
		// server; drop the connection so the next attempt redials and
		// introduces itself again.
		_ = conn.CloseWithError(0, "discover handshake failed")
		c.conn.Store(nil)
		return nil, fmt.Errorf("discover handshake: %w", err)
	}
	c.logger.Info("connected to metadata server", "addr", c.cfg.MetadataAddr)
	return conn, nil
}

// handshake introduces this chunkserver on a fresh unidirectional stream.
// Re-sending the discover after a reconnect is idempotent: the metadata
// server replaces the membership entry. No reply is expected, though the
// protocol reserves one.
func (c *MetaClient) handshake(ctx context.Context, conn quic.Connection) error {
	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		return err
	}

	msg := wire.ChunkServerDiscoverPayload{
		ServerID:        c.cfg.ServerID,
		Hostname:        c.cfg.Hostname,
		RackID:          c.cfg.RackID,
		InternalAddress: c.cfg.AdvertisedInternalAddr,
		ExternalAddress: c.cfg.AdvertisedExternalAddr,
		StoredChunks:    c.cfg.Store.ChunkIDs(),
	}
	if err := wire.EncodeMetadataInternal(stream, msg); err != nil {
		stream.CancelWrite(0)
		return err
	}
	return stream.Close()
}

// RunHeartbeat keeps one heartbeat stream alive until ctx is cancelled.
// Any I/O failure drops back into connection(), which redials with backoff
// and re-runs the discover handshake.
func (c *MetaClient) RunHeartbeat(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.connection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("metadata server connection failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		c.heartbeatLoop(ctx, conn)
	}
}

// heartbeatLoop emits heartbeats on one long-lived stream; it returns when
// the stream or connection dies so the caller can reconnect.
func (c *MetaClient) heartbeatLoop(ctx context.Context, conn quic.Connection) {
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.logger.Warn("open heartbeat stream failed", "error", err)
		return
	}
	defer stream.Close()

	for {
		hb := wire.HeartbeatPayload{
			ServerID:            c.cfg.ServerID,
			ClientRequestsCount: c.requestsSinceHeartbeat(),
			AvailableSpace:      c.availableSpace(),
		}
		if err := wire.EncodeMetadataInternal(stream, hb); err != nil {
			c.logger.Warn("heartbeat send failed", "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.HeartbeatInterval):
		}
	}
}

func (c *MetaClient) requestsSinceHeartbeat() uint64 {
	if c.cfg.Requests == nil {
		return 0
	}
	return c.cfg.Requests()
}

// availableSpace reports usable bytes: a headroom fraction of the free
// space on the store's filesystem, clamped to the advertised capacity.
func (c *MetaClient) availableSpace() uint64 {
	usage, err := disk.Usage(c.cfg.Store.FinalRoot())
	if err != nil {
		c.logger.Warn("disk usage probe failed", "error", err)
		return 0
	}
	avail := uint64(float64(usage.Free) * availableSpaceHeadroom)
	if limit := c.cfg.AdvertisedCapacity; limit > 0 && avail > limit {
		avail = limit
	}
	return avail
}
