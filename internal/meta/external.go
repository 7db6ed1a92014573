package meta

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"silo/internal/logging"
	"silo/internal/wire"
)

// External serves the client-facing plane of the metadata server:
// placement of new files, lookup of existing ones, and the folder
// structure blobs.
type External struct {
	state    *State
	strategy Strategy
	folders  *FolderStore
	logger   *slog.Logger
}

// ExternalConfig holds External configuration.
type ExternalConfig struct {
	State *State
	// Strategy defaults to RandomStrategy.
	Strategy Strategy
	// Folders defaults to a fresh FolderStore.
	Folders *FolderStore
	Logger  *slog.Logger
}

// NewExternal creates the external-plane handler.
func NewExternal(cfg ExternalConfig) *External {
	strategy := cfg.Strategy
	if strategy == nil {
		strategy = RandomStrategy{}
	}
	folders := cfg.Folders
	if folders == nil {
		folders = NewFolderStore()
	}
	return &External{
		state:    cfg.State,
		strategy: strategy,
		folders:  folders,
		logger:   logging.Default(cfg.Logger).With("component", "ms-external"),
	}
}

// HandleStream serves one client request. Validation failures answer with
// a typed status; handler failures answer with a best-effort
// InternalServerError status before the stream is closed.
func (e *External) HandleStream(ctx context.Context, stream io.ReadWriteCloser) error {
	msg, err := wire.DecodeMetadataExternal(stream)
	if err != nil {
		return err
	}

	switch m := msg.(type) {
	case wire.ChunkPlacementRequestPayload:
		err = e.placeFile(stream, m)
	case wire.GetFilePlacementRequestPayload:
		err = e.fetchFilePlacement(stream, m)
	case wire.GetClientFolderStructureRequestPayload:
		err = e.fetchFolderStructure(stream, m)
	case wire.UpdateClientFolderStructurePayload:
		err = e.updateFolderStructure(stream, m)
	}
	if err != nil {
		_ = wire.EncodeClient(stream, wire.RequestStatusPayload{Status: wire.StatusInternalServerError})
		return err
	}
	return nil
}

// placeFile allocates chunk ids for a new file, claims the filename, asks
// the placement strategy for homes and answers with resolved locations.
func (e *External) placeFile(stream io.ReadWriter, p wire.ChunkPlacementRequestPayload) error {
	if p.Filename == "" || p.FileSize == 0 {
		return e.reject(stream)
	}

	n := int((p.FileSize + wire.MaxChunkSize - 1) / wire.MaxChunkSize)
	chunkIDs := make([]uuid.UUID, n)
	for i := range chunkIDs {
		chunkIDs[i] = uuid.New()
	}

	if err := e.state.CreateFile(p.Filename, chunkIDs); err != nil {
		if errors.Is(err, ErrFileExists) {
			return e.reject(stream)
		}
		return err
	}

	placements := e.strategy.Select(n, e.state.LiveServers())
	if len(placements) == 0 {
		// Too few live servers for the replication factor. The name is
		// released: a file exists only after a successful placement.
		e.state.DeleteFile(p.Filename)
		e.logger.Warn("placement infeasible", "filename", p.Filename, "chunks", n)
		return e.reject(stream)
	}

	locations := make([]wire.ChunkLocations, n)
	for i, pl := range placements {
		e.state.PlaceChunk(&ChunkMetadata{
			ChunkID:  chunkIDs[i],
			Primary:  pl.Primary,
			Replicas: pl.Replicas,
		})

		loc, err := e.resolveChunk(chunkIDs[i], pl)
		if err != nil {
			for _, id := range chunkIDs[:i+1] {
				e.state.DeleteChunk(id)
			}
			e.state.DeleteFile(p.Filename)
			return err
		}
		locations[i] = loc
	}

	e.logger.Info("file placed", "filename", p.Filename, "chunks", n)
	return wire.EncodeClient(stream, wire.ChunkPlacementResponsePayload{SelectedChunkservers: locations})
}

// resolveChunk maps a placement's server ids to dialable locations. A
// server vanishing between selection and resolution fails the request.
func (e *External) resolveChunk(chunkID uuid.UUID, pl Placement) (wire.ChunkLocations, error) {
	primary, ok := e.state.Resolve(pl.Primary)
	if !ok {
		return wire.ChunkLocations{}, fmt.Errorf("meta: resolve primary %s: server gone", pl.Primary)
	}
	replicas := make([]wire.ChunkserverLocation, 0, len(pl.Replicas))
	for _, id := range pl.Replicas {
		loc, ok := e.state.Resolve(id)
		if !ok {
			return wire.ChunkLocations{}, fmt.Errorf("meta: resolve replica %s: server gone", id)
		}
		replicas = append(replicas, loc)
	}
	return wire.ChunkLocations{ChunkID: chunkID, Primary: primary, Replicas: replicas}, nil
}

// fetchFilePlacement answers where every chunk of an existing file lives.
func (e *External) fetchFilePlacement(stream io.ReadWriter, p wire.GetFilePlacementRequestPayload) error {
	file, ok := e.state.File(p.Filename)
	if !ok {
		return e.reject(stream)
	}

	locations := make([]wire.ChunkLocations, 0, len(file.Chunks))
	for _, chunkID := range file.Chunks {
		cm, ok := e.state.Chunk(chunkID)
		if !ok {
			return fmt.Errorf("meta: file %q references unknown chunk %s", p.Filename, chunkID)
		}
		if !cm.HasPrimary() {
			return fmt.Errorf("meta: chunk %s has no primary", chunkID)
		}

		primary, ok := e.state.Resolve(cm.Primary)
		if !ok {
			return fmt.Errorf("meta: resolve primary %s: server gone", cm.Primary)
		}
		replicas := make([]wire.ChunkserverLocation, 0, len(cm.Replicas))
		for _, id := range cm.Replicas {
			if loc, ok := e.state.Resolve(id); ok {
				replicas = append(replicas, loc)
			}
		}
		locations = append(locations, wire.ChunkLocations{
			ChunkID:  chunkID,
			Primary:  primary,
			Replicas: replicas,
		})
	}

	return wire.EncodeClient(stream, wire.GetFilePlacementResponsePayload{ChunksLocations: locations})
}

func (e *External) fetchFolderStructure(stream io.ReadWriter, p wire.GetClientFolderStructureRequestPayload) error {
	return wire.EncodeClient(stream, wire.GetClientFolderStructureResponsePayload{
		Structure: e.folders.Get(p.ClientID),
	})
}

func (e *External) updateFolderStructure(stream io.ReadWriter, p wire.UpdateClientFolderStructurePayload) error {
	e.folders.Put(p.ClientID, p.Structure)
	return wire.EncodeClient(stream, wire.RequestStatusPayload{Status: wire.StatusOK})
}

func (e *External) reject(stream io.ReadWriter) error {
	return wire.EncodeClient(stream, wire.RequestStatusPayload{Status: wire.StatusInvalidRequest})
}
