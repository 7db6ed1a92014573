package chunkserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"silo/internal/logging"
	"silo/internal/wire"
)

// uploadBufferSize is the buffered-writer capacity used while draining a
// chunk body from the network to disk.
const uploadBufferSize = 1 << 20

// External serves the client-facing plane of a chunkserver: chunk uploads
// and downloads.
type External struct {
	store  *Store
	logger *slog.Logger

	// requests counts accepted external requests; the heartbeat sender
	// swaps it back to zero each interval.
	requests atomic.Uint64
}

// ExternalConfig holds External configuration.
type ExternalConfig struct {
	Store  *Store
	Logger *slog.Logger
}

// NewExternal creates the external-plane handler.
func NewExternal(cfg ExternalConfig) *External {
	return &External{
		store:  cfg.Store,
		logger: logging.Default(cfg.Logger).With("component", "cs-external"),
	}
}

// RequestsSinceHeartbeat returns the request count and resets it.
func (e *External) RequestsSinceHeartbeat() uint64 {
	return e.requests.Swap(0)
}

// HandleStream serves one client request.
func (e *External) HandleStream(ctx context.Context, stream io.ReadWriteCloser) error {
	msg, err := wire.DecodeChunkserverExternal(stream)
	if err != nil {
		return err
	}
	e.requests.Add(1)

	switch m := msg.(type) {
	case wire.UploadChunkPayload:
		err = e.handleUpload(stream, m)
	case wire.DownloadChunkRequestPayload:
		err = e.handleDownload(stream, m)
	}
	if err != nil {
		_ = wire.EncodeClient(stream, wire.RequestStatusPayload{Status: wire.StatusInternalServerError})
		return err
	}
	return nil
}

// handleUpload drains exactly ChunkSize body bytes into a staged temp file
// and commits it. The Transfer guarantees the staged file is gone on every
// failure path; the commit point is the rename inside Store.Commit.
func (e *External) handleUpload(stream io.ReadWriteCloser, p wire.UploadChunkPayload) error {
	if p.ChunkSize == 0 || p.ChunkSize > wire.MaxChunkSize {
		return e.reject(stream)
	}
	// Fast-path duplicate check; the commit re-checks atomically.
	if e.store.Contains(p.ChunkID) {
		return e.reject(stream)
	}

	// O_EXCL makes the staged path single-writer: of two concurrent
	// uploads of the same chunk id, only one ever holds the temp file.
	// The loser is a duplicate, same as a replay after commit.
	tmpPath := e.store.TempPath(p.ChunkID)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return e.reject(stream)
		}
		return fmt.Errorf("create temp chunk: %w", err)
	}
	transfer := NewTransfer(tmpPath)
	defer transfer.Close()

	if err := receiveBody(f, stream, p.ChunkSize); err != nil {
		return err
	}

	if err := e.store.Commit(p.ChunkID, p.ChunkSize); err != nil {
		if errors.Is(err, ErrChunkExists) {
			return e.reject(stream)
		}
		return err
	}
	transfer.Commit()

	e.logger.Debug("chunk committed", "chunk_id", p.ChunkID, "size", p.ChunkSize)
	return wire.EncodeClient(stream, wire.RequestStatusPayload{Status: wire.StatusOK})
}

// receiveBody pre-sizes the staged file, streams exactly size bytes into
// it and syncs it to stable storage.
func receiveBody(f *os.File, stream io.Reader, size uint64) error {
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("preallocate temp chunk: %w", err)
	}

	w := bufio.NewWriterSize(f, uploadBufferSize)
	if _, err := io.CopyN(w, stream, int64(size)); err != nil {
		return fmt.Errorf("receive chunk body: %w", err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp chunk: %w", err)
	}
	return nil
}

// handleDownload streams a committed chunk back: the typed response first,
// then exactly ChunkSize raw bytes.
func (e *External) handleDownload(stream io.ReadWriteCloser, p wire.DownloadChunkRequestPayload) error {
	f, size, err := e.store.Open(p.ChunkID)
	if err != nil {
		if errors.Is(err, ErrUnknownChunk) {
			return e.reject(stream)
		}
		return err
	}
	defer f.Close()

	resp := wire.DownloadChunkResponsePayload{ChunkID: p.ChunkID, ChunkSize: size}
	if err := wire.EncodeClient(stream, resp); err != nil {
		return err
	}
	if _, err := io.CopyN(stream, f, int64(size)); err != nil {
		return fmt.Errorf("stream chunk body: %w", err)
	}
	return nil
}

func (e *External) reject(stream io.Writer) error {
	return wire.EncodeClient(stream, wire.RequestStatusPayload{Status: wire.StatusInvalidRequest})
}
