package meta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"silo/internal/logging"
	"silo/internal/wire"
)

// Internal serves the chunkserver-facing plane of the metadata server:
// discover handshakes, heartbeats, and the liveness prune sweep.
type Internal struct {
	state  *State
	logger *slog.Logger

	// onDegraded receives the chunk ids that lost a copy in a prune sweep.
	// This is the rereplication hook point; leaving it nil is safe.
	onDegraded func(chunks []uuid.UUID)

	scheduler gocron.Scheduler
}

// InternalConfig holds Internal configuration.
type InternalConfig struct {
	State *State
	// OnChunksDegraded, when set, is called after each prune sweep with the
	// chunks that lost a primary or replica.
	OnChunksDegraded func(chunks []uuid.UUID)
	Logger           *slog.Logger
}

// NewInternal creates the internal-plane handler.
func NewInternal(cfg InternalConfig) *Internal {
	return &Internal{
		state:      cfg.State,
		onDegraded: cfg.OnChunksDegraded,
		logger:     logging.Default(cfg.Logger).With("component", "ms-internal"),
	}
}

// Setup starts the prune sweep. Runs once, before the accept loop.
func (i *Internal) Setup(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("meta: create scheduler: %w", err)
	}
	i.scheduler = scheduler

	window := wire.HeartbeatInterval + wire.HeartbeatMargin
	if _, err := scheduler.NewJob(gocron.DurationJob(window), gocron.NewTask(i.prune)); err != nil {
		return fmt.Errorf("meta: schedule prune job: %w", err)
	}
	scheduler.Start()

	go func() {
		<-ctx.Done()
		_ = scheduler.Shutdown()
	}()
	return nil
}

// prune drops every chunkserver whose last heartbeat fell out of the
// liveness window and degrades the chunks it held.
func (i *Internal) prune() {
	window := wire.HeartbeatInterval + wire.HeartbeatMargin
	removed, degraded := i.state.PruneStale(window)
	if len(removed) == 0 {
		return
	}

	i.logger.Warn("pruned dead chunkservers",
		"servers", len(removed), "degraded_chunks", len(degraded))
	if i.onDegraded != nil && len(degraded) > 0 {
		i.onDegraded(degraded)
	}
}

// HandleStream serves a chunkserver's bidirectional stream. Heartbeats
// repeat on one long-lived stream, so the loop runs until the stream ends.
func (i *Internal) HandleStream(ctx context.Context, stream io.ReadWriteCloser) error {
	return i.messageLoop(stream)
}

// HandleUniStream serves the discover handshake, which arrives on a
// unidirectional stream right after (re)connect.
func (i *Internal) HandleUniStream(ctx context.Context, stream io.Reader) error {
	return i.messageLoop(stream)
}

func (i *Internal) messageLoop(stream io.Reader) error {
	for {
		msg, err := wire.DecodeMetadataInternal(stream)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case wire.ChunkServerDiscoverPayload:
			i.discover(m)
		case wire.HeartbeatPayload:
			i.heartbeat(m)
		}
	}
}

// discover installs (or, after a reconnect, replaces) the membership entry
// for a chunkserver. Any prior in-flight liveness state becomes stale.
func (i *Internal) discover(p wire.ChunkServerDiscoverPayload) {
	i.state.UpsertServer(&ActiveChunkserver{
		ServerID:        p.ServerID,
		RackID:          p.RackID,
		Hostname:        p.Hostname,
		InternalAddress: p.InternalAddress,
		ExternalAddress: p.ExternalAddress,
		Chunks:          p.StoredChunks,
	})
	i.logger.Info("chunkserver discovered",
		"server_id", p.ServerID, "rack", p.RackID, "hostname", p.Hostname,
		"stored_chunks", len(p.StoredChunks))
}

// heartbeat refreshes a known server; heartbeats from unknown ids are
// stale clients and are ignored.
func (i *Internal) heartbeat(p wire.HeartbeatPayload) {
	if !i.state.RefreshHeartbeat(p.ServerID, p.ClientRequestsCount, p.AvailableSpace) {
		i.logger.Debug("heartbeat from unknown chunkserver", "server_id", p.ServerID)
	}
}
