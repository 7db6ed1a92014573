package meta

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testServer(id uuid.UUID, chunks ...uuid.UUID) *ActiveChunkserver {
	return &ActiveChunkserver{
		ServerID:        id,
		RackID:          "rack-a",
		Hostname:        "cs.local",
		InternalAddress: "127.0.0.1:9100",
		ExternalAddress: "127.0.0.1:9001",
		Chunks:          chunks,
	}
}

func TestCreateFileDedup(t *testing.T) {
	s := NewState(nil)
	chunks := []uuid.UUID{uuid.New()}

	if err := s.CreateFile("foo", chunks); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateFile("foo", chunks); !errors.Is(err, ErrFileExists) {
		t.Errorf("got %v, want ErrFileExists", err)
	}
}

func TestCreateFileConcurrentDedup(t *testing.T) {
	s := NewState(nil)

	const n = 32
	var created atomic.Int32
	var wg sync.WaitGroup
	for range n {
		wg.Go(func() {
			if s.CreateFile("bar", []uuid.UUID{uuid.New()}) == nil {
				created.Add(1)
			}
		})
	}
	wg.Wait()

	if got := created.Load(); got != 1 {
		t.Errorf("%d creates succeeded, want exactly 1", got)
	}
	if _, ok := s.File("bar"); !ok {
		t.Error("file missing after create")
	}
}

func TestHeartbeatRefresh(t *testing.T) {
	s := NewState(nil)
	id := uuid.New()
	s.UpsertServer(testServer(id))

	if !s.RefreshHeartbeat(id, 7, 1<<30) {
		t.Fatal("heartbeat for known server rejected")
	}
	srv, _ := s.Server(id)
	if srv.ClientRequestCount != 7 || srv.AvailableSpace != 1<<30 {
		t.Errorf("heartbeat fields not applied: %+v", srv)
	}

	if s.RefreshHeartbeat(uuid.New(), 1, 1) {
		t.Error("heartbeat for unknown server accepted")
	}
}

func TestPruneStaleClearsChunks(t *testing.T) {
	now := time.Now()
	clock := &now
	s := NewState(func() time.Time { return *clock })

	dead := uuid.New()
	alive := uuid.New()
	chunkA := uuid.New()
	chunkB := uuid.New()

	s.UpsertServer(testServer(dead))
	s.UpsertServer(testServer(alive))
	s.PlaceChunk(&ChunkMetadata{ChunkID: chunkA, Primary: dead, Replicas: []uuid.UUID{alive}})
	s.PlaceChunk(&ChunkMetadata{ChunkID: chunkB, Primary: alive, Replicas: []uuid.UUID{dead}})

	// Advance the clock past the window and keep `alive` fresh.
	later := now.Add(2 * time.Minute)
	clock = &later
	s.RefreshHeartbeat(alive, 0, 0)

	removed, degraded := s.PruneStale(time.Minute)
	if len(removed) != 1 || removed[0] != dead {
		t.Fatalf("removed = %v, want [%s]", removed, dead)
	}
	if len(degraded) != 2 {
		t.Errorf("degraded = %v, want both chunks", degraded)
	}

	if _, ok := s.Server(dead); ok {
		t.Error("dead server still listed")
	}
	if _, ok := s.Server(alive); !ok {
		t.Error("live server pruned")
	}

	a, _ := s.Chunk(chunkA)
	if a.HasPrimary() {
		t.Errorf("chunk A primary = %s, want cleared", a.Primary)
	}
	if len(a.Replicas) != 1 || a.Replicas[0] != alive {
		t.Errorf("chunk A replicas = %v", a.Replicas)
	}

	b, _ := s.Chunk(chunkB)
	if b.Primary != alive {
		t.Errorf("chunk B primary = %s, want %s", b.Primary, alive)
	}
	if len(b.Replicas) != 0 {
		t.Errorf("chunk B replicas = %v, want empty", b.Replicas)
	}
}

func TestRediscoverReplacesEntry(t *testing.T) {
	s := NewState(nil)
	id := uuid.New()

	s.UpsertServer(testServer(id, uuid.New(), uuid.New()))
	s.RefreshHeartbeat(id, 99, 99)

	// Reconnect: same id, fresh state. Counters and chunk list reset.
	s.UpsertServer(testServer(id))

	srv, ok := s.Server(id)
	if !ok {
		t.Fatal("server missing after rediscover")
	}
	if srv.ClientRequestCount != 0 || len(srv.Chunks) != 0 {
		t.Errorf("rediscover did not replace the entry: %+v", srv)
	}

	// A different id is a different entry.
	other := uuid.New()
	s.UpsertServer(testServer(other))
	if len(s.LiveServers()) != 2 {
		t.Errorf("live servers = %d, want 2", len(s.LiveServers()))
	}
}

func TestPruneRaceWithRediscover(t *testing.T) {
	now := time.Now()
	clock := &now
	s := NewState(func() time.Time { return *clock })

	id := uuid.New()
	s.UpsertServer(testServer(id))

	later := now.Add(2 * time.Minute)
	clock = &later

	// The entry has gone stale, but a rediscover lands before the sweep:
	// the fresh heartbeat it records must keep the entry alive.
	s.UpsertServer(testServer(id))

	removed, _ := s.PruneStale(time.Minute)
	if len(removed) != 0 {
		t.Errorf("prune removed rediscovered server: %v", removed)
	}
	if _, ok := s.Server(id); !ok {
		t.Error("rediscovered server missing")
	}
}
