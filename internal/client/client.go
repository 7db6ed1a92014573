package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"silo/internal/logging"
	"silo/internal/wire"
)

var (
	// ErrRejected maps a server's InvalidRequest status: the request can
	// never succeed as issued.
	ErrRejected = errors.New("client: request rejected")
	// ErrServerFailure maps a server's InternalServerError status.
	ErrServerFailure = errors.New("client: server-side failure")
)

// Client talks to one metadata server and fans out to chunkservers.
type Client struct {
	cfg    Config
	cache  *ConnCache
	logger *slog.Logger
}

// Config holds Client configuration.
type Config struct {
	// ClientID identifies this client's folder-structure blob.
	ClientID uuid.UUID

	MetadataAddr     string
	MetadataHostname string

	TLS    *tls.Config
	Logger *slog.Logger
}

// New creates a Client.
func New(cfg Config) *Client {
	logger := logging.Default(cfg.Logger)
	return &Client{
		cfg:    cfg,
		cache:  NewConnCache(cfg.TLS, logger),
		logger: logger.With("component", "client"),
	}
}

// Close releases all cached connections.
func (c *Client) Close() {
	c.cache.Close()
}

// withStream runs fn over a fresh bidirectional stream to addr. A
// transport-level failure invalidates the cached connection and retries
// exactly once; request-level errors bubble up untouched.
func (c *Client) withStream(ctx context.Context, addr, hostname string, fn func(quic.Stream) error) error {
	var lastErr error
	for attempt := range 2 {
		if attempt > 0 {
			c.cache.Invalidate(addr)
			c.logger.Debug("retrying after transport failure", "addr", addr, "error", lastErr)
		}

		conn, err := c.cache.Get(ctx, addr, hostname)
		if err != nil {
			lastErr = err
			continue
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		err = fn(stream)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrServerFailure) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// PlaceFile asks the metadata server to allocate and place the chunks of a
// new file, returning one location set per chunk in byte order.
func (c *Client) PlaceFile(ctx context.Context, filename string, size uint64) ([]wire.ChunkLocations, error) {
	var out []wire.ChunkLocations
	err := c.withStream(ctx, c.cfg.MetadataAddr, c.cfg.MetadataHostname, func(stream quic.Stream) error {
		req := wire.ChunkPlacementRequestPayload{Filename: filename, FileSize: size}
		if err := wire.EncodeMetadataExternal(stream, req); err != nil {
			return err
		}
		if err := stream.Close(); err != nil {
			return err
		}

		msg, err := wire.DecodeClient(stream)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case wire.ChunkPlacementResponsePayload:
			out = m.SelectedChunkservers
			return nil
		case wire.RequestStatusPayload:
			return statusError(m.Status)
		default:
			return fmt.Errorf("client: unexpected response %T", msg)
		}
	})
	return out, err
}

// FilePlacement asks where an existing file's chunks live.
func (c *Client) FilePlacement(ctx context.Context, filename string) ([]wire.ChunkLocations, error) {
	var out []wire.ChunkLocations
	err := c.withStream(ctx, c.cfg.MetadataAddr, c.cfg.MetadataHostname, func(stream quic.Stream) error {
		req := wire.GetFilePlacementRequestPayload{Filename: filename}
		if err := wire.EncodeMetadataExternal(stream, req); err != nil {
			return err
		}
		if err := stream.Close(); err != nil {
			return err
		}

		msg, err := wire.DecodeClient(stream)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case wire.GetFilePlacementResponsePayload:
			out = m.ChunksLocations
			return nil
		case wire.RequestStatusPayload:
			return statusError(m.Status)
		default:
			return fmt.Errorf("client: unexpected response %T", msg)
		}
	})
	return out, err
}

// FolderStructure fetches this client's stored folder blob.
func (c *Client) FolderStructure(ctx context.Context) ([]byte, error) {
	var out []byte
	err := c.withStream(ctx, c.cfg.MetadataAddr, c.cfg.MetadataHostname, func(stream quic.Stream) error {
		req := wire.GetClientFolderStructureRequestPayload{ClientID: c.cfg.ClientID}
		if err := wire.EncodeMetadataExternal(stream, req); err != nil {
			return err
		}
		if err := stream.Close(); err != nil {
			return err
		}

		msg, err := wire.DecodeClient(stream)
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case wire.GetClientFolderStructureResponsePayload:
			out = m.Structure
			return nil
		case wire.RequestStatusPayload:
			return statusError(m.Status)
		default:
			return fmt.Errorf("client: unexpected response %T", msg)
		}
	})
	return out, err
}

// UpdateFolderStructure replaces this client's stored folder blob.
func (c *Client) UpdateFolderStructure(ctx context.Context, blob []byte) error {
	return c.withStream(ctx, c.cfg.MetadataAddr, c.cfg.MetadataHostname, func(stream quic.Stream) error {
		req := wire.UpdateClientFolderStructurePayload{ClientID: c.cfg.ClientID, Structure: blob}
		if err := wire.EncodeMetadataExternal(stream, req); err != nil {
			return err
		}
		if err := stream.Close(); err != nil {
			return err
		}
		return expectOK(stream)
	})
}

// expectOK reads the terminal RequestStatus and maps it to an error.
func expectOK(r io.Reader) error {
	msg, err := wire.DecodeClient(r)
	if err != nil {
		return err
	}
	payload, ok := msg.(wire.RequestStatusPayload)
	if !ok {
		return fmt.Errorf("client: unexpected response %T", msg)
	}
	return statusError(payload.Status)
}

func statusError(s wire.RequestStatus) error {
	switch s {
	case wire.StatusOK:
		return nil
	case wire.StatusInvalidRequest:
		return ErrRejected
	default:
		return ErrServerFailure
	}
}
