package meta

import (
	"math/rand/v2"

	"github.com/google/uuid"

	"silo/internal/wire"
)

// Placement is the chosen home of one chunk: a primary plus its replicas.
type Placement struct {
	Primary  uuid.UUID
	Replicas []uuid.UUID
}

// Strategy picks chunkservers for new chunks. Given the live set and the
// number of chunks being placed it returns one Placement per chunk, or nil
// when the cluster cannot satisfy the replication factor. Implementations
// must pick distinct servers per chunk (primary never among replicas).
//
// RandomStrategy is v1; rack-aware and load-balanced strategies plug in
// here without touching the handlers.
type Strategy interface {
	Select(nChunks int, live []*ActiveChunkserver) []Placement
}

// RandomStrategy samples NChunkReplicas+1 distinct servers uniformly
// without replacement, independently per chunk. The first pick is the
// primary.
type RandomStrategy struct{}

// Select implements Strategy.
func (RandomStrategy) Select(nChunks int, live []*ActiveChunkserver) []Placement {
	need := wire.NChunkReplicas + 1
	if len(live) < need {
		return nil
	}

	out := make([]Placement, 0, nChunks)
	for range nChunks {
		picks := rand.Perm(len(live))[:need]
		p := Placement{
			Primary:  live[picks[0]].ServerID,
			Replicas: make([]uuid.UUID, 0, need-1),
		}
		for _, idx := range picks[1:] {
			p.Replicas = append(p.Replicas, live[idx].ServerID)
		}
		out = append(out, p)
	}
	return out
}
