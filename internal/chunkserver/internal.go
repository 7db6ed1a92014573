package chunkserver

import (
	"context"
	"io"
	"log/slog"

	"silo/internal/logging"
	"silo/internal/wire"
)

// Internal serves the chunkserver's internal listening endpoint. The only
// message family defined for it so far is the reserved discover
// acknowledgement; inter-chunkserver replication will claim this plane.
type Internal struct {
	logger *slog.Logger
}

// InternalConfig holds Internal configuration.
type InternalConfig struct {
	Logger *slog.Logger
}

// NewInternal creates the internal-plane handler.
func NewInternal(cfg InternalConfig) *Internal {
	return &Internal{
		logger: logging.Default(cfg.Logger).With("component", "cs-internal"),
	}
}

// HandleStream accepts and acknowledges nothing yet: the reserved
// AcceptNewChunkserver message is decoded for forward compatibility and
// dropped.
func (i *Internal) HandleStream(ctx context.Context, stream io.ReadWriteCloser) error {
	msg, err := wire.DecodeChunkserverInternal(stream)
	if err != nil {
		return err
	}
	if m, ok := msg.(wire.AcceptNewChunkserverPayload); ok {
		i.logger.Debug("ignoring reserved accept message", "assigned_id", m.ChunkserverNewID)
	}
	return nil
}
