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

// chunkSpan is one chunk's byte range inside the source file.
type chunkSpan struct {
	Offset uint64
	Size   uint64
}

// chunkSpans splits a file of fileSize bytes into MaxChunkSize spans, in
// byte order. The final span carries the remainder.
func chunkSpans(fileSize uint64) []chunkSpan {
	n := (fileSize + wire.MaxChunkSize - 1) / wire.MaxChunkSize
	spans := make([]chunkSpan, 0, n)
	for off := uint64(0); off < fileSize; off += wire.MaxChunkSize {
		size := min(fileSize-off, uint64(wire.MaxChunkSize))
		spans = append(spans, chunkSpan{Offset: off, Size: size})
	}
	return spans
}

// UploadFile places path's content under filename and streams every chunk
// to its primary. Fan-out is bounded by MaxSpawnedTasks; the first failed
// chunk reports its error and cancels the rest.
func (c *Client) UploadFile(ctx context.Context, path, filename string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	size := uint64(info.Size())

	locations, err := c.PlaceFile(ctx, filename, size)
	if err != nil {
		return fmt.Errorf("place %q: %w", filename, err)
	}
	spans := chunkSpans(size)
	if len(locations) != len(spans) {
		return fmt.Errorf("client: placement returned %d chunks for %d spans", len(locations), len(spans))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(wire.MaxSpawnedTasks)
	for i, loc := range locations {
		span := spans[i]
		g.Go(func() error {
			if err := c.uploadChunk(ctx, path, span, loc); err != nil {
				return fmt.Errorf("chunk %s: %w", loc.ChunkID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.logger.Info("file uploaded", "filename", filename, "size", size, "chunks", len(spans))
	return nil
}

// uploadChunk streams one chunk body to its primary and awaits the status.
// withStream retries once if the connection died underneath the request.
func (c *Client) uploadChunk(ctx context.Context, path string, span chunkSpan, loc wire.ChunkLocations) error {
	return c.withStream(ctx, loc.Primary.Address, loc.Primary.Hostname, func(stream quic.Stream) error {
		msg := wire.UploadChunkPayload{ChunkID: loc.ChunkID, ChunkSize: span.Size}
		if err := wire.EncodeChunkserverExternal(stream, msg); err != nil {
			return err
		}
		if err := c.sendBody(stream, path, span); err != nil {
			return err
		}
		if err := stream.Close(); err != nil {
			return err
		}
		return expectOK(stream)
	})
}

// sendBody copies exactly span.Size bytes from the file at span.Offset
// into the stream.
func (c *Client) sendBody(stream io.Writer, path string, span chunkSpan) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	section := io.NewSectionReader(f, int64(span.Offset), int64(span.Size))
	n, err := io.Copy(stream, section)
	if err != nil {
		return fmt.Errorf("send chunk body: %w", err)
	}
	if uint64(n) != span.Size {
		return fmt.Errorf("client: short chunk read: %d of %d bytes", n, span.Size)
	}
	return nil
}
