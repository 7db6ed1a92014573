// Package meta implements the metadata server: the authoritative mapping
// from files to chunks and from chunks to chunkservers, the liveness table
// of the cluster, and the placement policy for new chunks.
package meta

import (
	"time"

	"github.com/google/uuid"
)

// FileMetadata is the ordered chunk list of one file. Chunk order defines
// byte order; the list is never empty for a committed file entry.
type FileMetadata struct {
	Chunks []uuid.UUID
}

// ChunkMetadata records where one chunk lives. Primary is uuid.Nil when
// the chunk has no serving primary and must be re-elected before reads.
// The primary never appears among the replicas.
type ChunkMetadata struct {
	ChunkID  uuid.UUID
	Primary  uuid.UUID
	Replicas []uuid.UUID
}

// HasPrimary reports whether the chunk is currently servable.
func (c *ChunkMetadata) HasPrimary() bool {
	return c.Primary != uuid.Nil
}

func (c *ChunkMetadata) clone() *ChunkMetadata {
	cp := &ChunkMetadata{ChunkID: c.ChunkID, Primary: c.Primary}
	cp.Replicas = append(cp.Replicas, c.Replicas...)
	return cp
}

// ActiveChunkserver is one live member of the cluster. An entry exists
// only while the server heartbeats inside the liveness window.
type ActiveChunkserver struct {
	ServerID        uuid.UUID
	RackID          string
	Hostname        string
	InternalAddress string
	ExternalAddress string

	LastHeartbeat      time.Time
	ClientRequestCount uint64
	AvailableSpace     uint64

	// Chunks this server holds, as reported at discover time and extended
	// at placement time.
	Chunks []uuid.UUID
}

func (a *ActiveChunkserver) clone() *ActiveChunkserver {
	cp := *a
	cp.Chunks = append([]uuid.UUID(nil), a.Chunks...)
	return &cp
}
