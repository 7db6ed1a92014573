// Package chunkserver implements a storage node: the client-facing
// upload/download plane, the local content-addressed chunk store, and the
// liveness client that keeps the metadata server informed.
package chunkserver

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"silo/internal/logging"
)

var (
	ErrChunkExists  = errors.New("chunkserver: chunk already stored")
	ErrUnknownChunk = errors.New("chunkserver: unknown chunk")
)

// Chunk is the in-memory record of one committed chunk.
type Chunk struct {
	Size uint64
}

// Store is the local chunk store. A chunk is either committed (present in
// the map and on disk under the final root) or absent; uploads stage under
// the temp root and move in with one same-filesystem rename. Both roots
// must therefore live on the same filesystem.
type Store struct {
	chunks    *xsync.MapOf[uuid.UUID, Chunk]
	tmpRoot   string
	finalRoot string
	logger    *slog.Logger
}

// StoreConfig holds Store configuration.
type StoreConfig struct {
	// TmpRoot stages in-flight uploads.
	TmpRoot string
	// FinalRoot holds committed chunks, one file per chunk id.
	FinalRoot string
	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// NewStore creates both roots, discards any temp leftovers from a previous
// crash and registers the chunks already committed on disk.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.TmpRoot == "" || cfg.FinalRoot == "" {
		return nil, errors.New("chunkserver: tmp and final roots are required")
	}
	for _, dir := range []string{cfg.TmpRoot, cfg.FinalRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	s := &Store{
		chunks:    xsync.NewMapOf[uuid.UUID, Chunk](),
		tmpRoot:   cfg.TmpRoot,
		finalRoot: cfg.FinalRoot,
		logger:    logging.Default(cfg.Logger).With("component", "chunk-store"),
	}

	if err := s.discardTempLeftovers(); err != nil {
		return nil, err
	}
	if err := s.loadCommitted(); err != nil {
		return nil, err
	}
	return s, nil
}

// discardTempLeftovers removes staged files orphaned by a crash. None of
// them committed, so none are referenced anywhere.
func (s *Store) discardTempLeftovers() error {
	entries, err := os.ReadDir(s.tmpRoot)
	if err != nil {
		return fmt.Errorf("scan temp root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(s.tmpRoot, e.Name())); err != nil {
			return err
		}
		s.logger.Warn("discarded stale temp chunk", "name", e.Name())
	}
	return nil
}

// loadCommitted re-registers the chunks already on disk so a restarted
// server advertises them in its discover handshake.
func (s *Store) loadCommitted() error {
	entries, err := os.ReadDir(s.finalRoot)
	if err != nil {
		return fmt.Errorf("scan final root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := uuid.Parse(e.Name())
		if err != nil {
			s.logger.Warn("foreign file in final root", "name", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		s.chunks.Store(id, Chunk{Size: uint64(info.Size())})
	}
	if n := s.chunks.Size(); n > 0 {
		s.logger.Info("loaded committed chunks", "count", n)
	}
	return nil
}

// TempPath returns the staging path for a chunk upload.
func (s *Store) TempPath(id uuid.UUID) string {
	return filepath.Join(s.tmpRoot, id.String())
}

// FinalPath returns the committed location of a chunk.
func (s *Store) FinalPath(id uuid.UUID) string {
	return filepath.Join(s.finalRoot, id.String())
}

// Commit publishes a fully received chunk: it claims the id in the map and
// renames the staged file into the final root. The insert precedes the
// rename so two concurrent uploads of the same id cannot both rename; the
// loser gets ErrChunkExists and its temp file is cleaned up by its
// Transfer. If the rename itself fails the claimed entry is removed again,
// so no ghost entry survives without a file behind it.
func (s *Store) Commit(id uuid.UUID, size uint64) error {
	if _, loaded := s.chunks.LoadOrStore(id, Chunk{Size: size}); loaded {
		return ErrChunkExists
	}
	if err := os.Rename(s.TempPath(id), s.FinalPath(id)); err != nil {
		s.chunks.Delete(id)
		return fmt.Errorf("commit chunk %s: %w", id, err)
	}
	return nil
}

// Open returns a reader over a committed chunk and its size.
func (s *Store) Open(id uuid.UUID) (*os.File, uint64, error) {
	c, ok := s.chunks.Load(id)
	if !ok {
		return nil, 0, ErrUnknownChunk
	}
	f, err := os.Open(s.FinalPath(id))
	if err != nil {
		return nil, 0, fmt.Errorf("open chunk %s: %w", id, err)
	}
	return f, c.Size, nil
}

// Contains reports whether the chunk is committed.
func (s *Store) Contains(id uuid.UUID) bool {
	_, ok := s.chunks.Load(id)
	return ok
}

// ChunkIDs snapshots the committed chunk ids for the discover handshake.
func (s *Store) ChunkIDs() []uuid.UUID {
	out := make([]uuid.UUID, 0, s.chunks.Size())
	s.chunks.Range(func(id uuid.UUID, _ Chunk) bool {
		out = append(out, id)
		return true
	})
	return out
}

// FinalRoot returns the directory committed chunks live in; the heartbeat
// sender samples disk capacity there.
func (s *Store) FinalRoot() string {
	return s.finalRoot
}
