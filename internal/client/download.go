package client

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"silo/internal/wire"
)

// DownloadFile fetches every chunk of filename from its primary and
// reassembles the file at outPath. Chunks land at offset
// index * MaxChunkSize, so they download concurrently.
func (c *Client) DownloadFile(ctx context.Context, filename, outPath string) error {
	locations, err := c.FilePlacement(ctx, filename)
	if err != nil {
		return fmt.Errorf("locate %q: %w", filename, err)
	}

	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer out.Close()
	// Pre-size a sparse file covering every chunk slot.
	if err := out.Truncate(int64(len(locations)) * wire.MaxChunkSize); err != nil {
		return err
	}

	var total uint64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(wire.MaxSpawnedTasks)
	sizes := make([]uint64, len(locations))
	for i, loc := range locations {
		offset := uint64(i) * wire.MaxChunkSize
		g.Go(func() error {
			size, err := c.downloadChunk(gctx, loc, out, offset)
			if err != nil {
				return fmt.Errorf("chunk %s: %w", loc.ChunkID, err)
			}
			sizes[i] = size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, s := range sizes {
		total += s
	}
	// Drop any preallocation slack past the real end of file.
	if err := out.Truncate(int64(total)); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}

	c.logger.Info("file downloaded", "filename", filename, "size", total, "chunks", len(locations))
	return nil
}

// downloadChunk fetches one chunk from its primary into out at offset and
// returns the chunk's size.
func (c *Client) downloadChunk(ctx context.Context, loc wire.ChunkLocations, out *os.File, offset uint64) (uint64, error) {
	var size uint64
	err := c.withStream(ctx, loc.Primary.Address, loc.Primary.Hostname, func(stream quic.Stream) error {
		req := wire.DownloadChunkRequestPayload{ChunkID: loc.ChunkID}
		if err := wire.EncodeChunkserverExternal(stream, req); err != nil {
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
		case wire.DownloadChunkResponsePayload:
			if m.ChunkSize > wire.MaxChunkSize {
				return fmt.Errorf("client: chunk size %d exceeds maximum", m.ChunkSize)
			}
			w := io.NewOffsetWriter(out, int64(offset))
			if _, err := io.CopyN(w, stream, int64(m.ChunkSize)); err != nil {
				return fmt.Errorf("receive chunk body: %w", err)
			}
			size = m.ChunkSize
			return nil
		case wire.RequestStatusPayload:
			return statusError(m.Status)
		default:
			return fmt.Errorf("client: unexpected response %T", msg)
		}
	})
	return size, err
}
