package meta

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"silo/internal/wire"
)

var (
	ErrFileExists = errors.New("meta: filename already exists")
)

// State is the process-wide metadata triple: files, chunks and the live
// chunkserver table. All three are fine-grained concurrent maps; no
// operation takes a cross-map lock. Stored values are treated as immutable
// and replaced wholesale on update.
type State struct {
	files   *xsync.MapOf[string, *FileMetadata]
	chunks  *xsync.MapOf[uuid.UUID, *ChunkMetadata]
	servers *xsync.MapOf[uuid.UUID, *ActiveChunkserver]

	now func() time.Time
}

// NewState creates an empty State. now defaults to time.Now and exists for
// tests that steer the liveness clock.
func NewState(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{
		files:   xsync.NewMapOf[string, *FileMetadata](),
		chunks:  xsync.NewMapOf[uuid.UUID, *ChunkMetadata](),
		servers: xsync.NewMapOf[uuid.UUID, *ActiveChunkserver](),
		now:     now,
	}
}

// CreateFile atomically claims name and records its chunk list. The
// filename occupies the namespace exactly once; a second create fails with
// ErrFileExists no matter how the requests interleave.
func (s *State) CreateFile(name string, chunks []uuid.UUID) error {
	if _, loaded := s.files.LoadOrStore(name, &FileMetadata{Chunks: chunks}); loaded {
		return ErrFileExists
	}
	return nil
}

// DeleteFile removes a file entry. Used to roll back a placement that
// failed after the namespace insert.
func (s *State) DeleteFile(name string) {
	s.files.Delete(name)
}

// File returns the metadata for name.
func (s *State) File(name string) (*FileMetadata, bool) {
	return s.files.Load(name)
}

// PlaceChunk records chunk metadata and extends the chunk sets of every
// involved server.
func (s *State) PlaceChunk(cm *ChunkMetadata) {
	s.chunks.Store(cm.ChunkID, cm)

	hold := append([]uuid.UUID{cm.Primary}, cm.Replicas...)
	for _, id := range hold {
		s.servers.Compute(id, func(old *ActiveChunkserver, loaded bool) (*ActiveChunkserver, bool) {
			if !loaded {
				return nil, true
			}
			cp := old.clone()
			cp.Chunks = append(cp.Chunks, cm.ChunkID)
			return cp, false
		})
	}
}

// Chunk returns the metadata for one chunk.
func (s *State) Chunk(id uuid.UUID) (*ChunkMetadata, bool) {
	return s.chunks.Load(id)
}

// DeleteChunk removes chunk metadata. Used for placement rollback.
func (s *State) DeleteChunk(id uuid.UUID) {
	s.chunks.Delete(id)
}

// UpsertServer installs a fresh entry for a discovering chunkserver,
// unconditionally replacing any previous entry under the same id. A
// rediscover after reconnect therefore wins any race with pruning.
func (s *State) UpsertServer(srv *ActiveChunkserver) {
	srv = srv.clone()
	srv.LastHeartbeat = s.now()
	s.servers.Store(srv.ServerID, srv)
}

// RefreshHeartbeat updates the liveness and utilization fields of a known
// server. Heartbeats from unknown ids are ignored and reported as false.
func (s *State) RefreshHeartbeat(id uuid.UUID, requests, availableSpace uint64) bool {
	_, ok := s.servers.Compute(id, func(old *ActiveChunkserver, loaded bool) (*ActiveChunkserver, bool) {
		if !loaded {
			return nil, true
		}
		cp := old.clone()
		cp.LastHeartbeat = s.now()
		cp.ClientRequestCount = requests
		cp.AvailableSpace = availableSpace
		return cp, false
	})
	return ok
}

// Server returns the live entry for id.
func (s *State) Server(id uuid.UUID) (*ActiveChunkserver, bool) {
	return s.servers.Load(id)
}

// LiveServers snapshots the membership table for the placement strategy.
func (s *State) LiveServers() []*ActiveChunkserver {
	out := make([]*ActiveChunkserver, 0, s.servers.Size())
	s.servers.Range(func(_ uuid.UUID, srv *ActiveChunkserver) bool {
		out = append(out, srv)
		return true
	})
	return out
}

// Resolve maps a server id to the location handed to clients.
func (s *State) Resolve(id uuid.UUID) (wire.ChunkserverLocation, bool) {
	srv, ok := s.servers.Load(id)
	if !ok {
		return wire.ChunkserverLocation{}, false
	}
	return wire.ChunkserverLocation{
		ServerID: srv.ServerID,
		Hostname: srv.Hostname,
		Address:  srv.ExternalAddress,
	}, true
}

// PruneStale removes every server whose last heartbeat is older than
// maxAge and strips the removed ids from chunk metadata: a dead primary
// becomes uuid.Nil, a dead replica leaves the replica set. It returns the
// removed server ids and the ids of every chunk that lost a copy; the
// latter set is the hook point for a rereplication pass.
func (s *State) PruneStale(maxAge time.Duration) (removed, degraded []uuid.UUID) {
	cutoff := s.now().Add(-maxAge)

	var stale []*ActiveChunkserver
	s.servers.Range(func(_ uuid.UUID, srv *ActiveChunkserver) bool {
		if srv.LastHeartbeat.Before(cutoff) {
			stale = append(stale, srv)
		}
		return true
	})

	seen := make(map[uuid.UUID]struct{})
	for _, srv := range stale {
		// Re-check under the map entry: a rediscover or late heartbeat may
		// have refreshed the entry since the scan.
		var dead *ActiveChunkserver
		s.servers.Compute(srv.ServerID, func(old *ActiveChunkserver, loaded bool) (*ActiveChunkserver, bool) {
			if !loaded {
				return nil, true
			}
			if !old.LastHeartbeat.Before(cutoff) {
				return old, false
			}
			dead = old
			return nil, true
		})
		if dead == nil {
			continue
		}

		removed = append(removed, dead.ServerID)
		for _, chunkID := range dead.Chunks {
			if s.clearServerFromChunk(chunkID, dead.ServerID) {
				if _, dup := seen[chunkID]; !dup {
					seen[chunkID] = struct{}{}
					degraded = append(degraded, chunkID)
				}
			}
		}
	}
	return removed, degraded
}

// clearServerFromChunk drops dead from one chunk's primary/replicas.
// Returns whether the chunk actually referenced the server.
func (s *State) clearServerFromChunk(chunkID, dead uuid.UUID) bool {
	changed := false
	s.chunks.Compute(chunkID, func(old *ChunkMetadata, loaded bool) (*ChunkMetadata, bool) {
		if !loaded {
			return nil, true
		}
		cp := old.clone()
		if cp.Primary == dead {
			cp.Primary = uuid.Nil
			changed = true
		}
		replicas := cp.Replicas[:0]
		for _, r := range cp.Replicas {
			if r == dead {
				changed = true
				continue
			}
			replicas = append(replicas, r)
		}
		cp.Replicas = replicas
		if !changed {
			return old, false
		}
		return cp, false
	})
	return changed
}
